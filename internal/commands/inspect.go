package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/pyringe/internal/inferior"
	"github.com/dshills/pyringe/internal/logger"
)

func newThreadsCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "Lists the target's Python threads; the selected one is marked",
		Args:  cobra.NoArgs,
		RunE: withController(g, log, func(cmd *cobra.Command, c *inferior.Controller, _ []string) error {
			ctx := cmd.Context()
			ids, err := c.Threads(ctx)
			if err != nil {
				return err
			}
			current, err := c.CurrentThread(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range ids {
				mark := " "
				if current != nil && *current == id {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %d\n", mark, id)
			}
			return nil
		}),
	}
}

func newBacktraceCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	var traceback bool
	cmd := &cobra.Command{
		Use:     "bt",
		Aliases: []string{"backtrace"},
		Short:   "Prints the selected thread's stack, outermost frame first",
		Args:    cobra.NoArgs,
		RunE: withController(g, log, func(cmd *cobra.Command, c *inferior.Controller, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if traceback {
				text, err := c.Traceback(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(out, text)
				return nil
			}
			frames, err := c.Backtrace(ctx)
			if err != nil {
				return err
			}
			for i, f := range frames {
				fmt.Fprintf(out, "#%-3d %s\n", i, f)
				if f.Source != "" {
					fmt.Fprintf(out, "     %s\n", f.Source)
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&traceback, "traceback", false, "Print in the interpreter's traceback format")
	return cmd
}

type namespaceFunc func(c *inferior.Controller, ctx context.Context) (map[string]any, error)

func newNamespaceCmd(g *globalFlags, log *logger.Logger, use, short string, read namespaceFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withController(g, log, func(cmd *cobra.Command, c *inferior.Controller, _ []string) error {
			ns, err := read(c, cmd.Context())
			if err != nil {
				return err
			}
			writeNamespace(cmd.OutOrStdout(), ns)
			return nil
		}),
	}
}

func newLocalsCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	return newNamespaceCmd(g, log, "locals", "Prints the selected frame's local variables", (*inferior.Controller).Locals)
}

func newGlobalsCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	return newNamespaceCmd(g, log, "globals", "Prints the selected frame's globals", (*inferior.Controller).Globals)
}

func newBuiltinsCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	return newNamespaceCmd(g, log, "builtins", "Prints the selected frame's builtins", (*inferior.Controller).Builtins)
}

func newLookupCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup NAME",
		Short: "Resolves a name in the selected frame",
		Args:  cobra.ExactArgs(1),
		RunE: withController(g, log, func(cmd *cobra.Command, c *inferior.Controller, args []string) error {
			v, err := c.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), render(v))
			return nil
		}),
	}
}

func newCallCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "call EXPR",
		Short: "Evaluates a C expression in the target",
		Args:  cobra.ExactArgs(1),
		RunE: withController(g, log, func(cmd *cobra.Command, c *inferior.Controller, args []string) error {
			v, err := c.Call(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), render(v))
			return nil
		}),
	}
}

func newGDBCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "gdb COMMAND",
		Short: "Runs a raw gdb command against the target",
		Args:  cobra.ExactArgs(1),
		RunE: withController(g, log, func(cmd *cobra.Command, c *inferior.Controller, args []string) error {
			out, err := c.ExecuteRaw(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		}),
	}
}
