package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/pyringe/internal/inferior"
	"github.com/dshills/pyringe/internal/logger"
)

type injectFlags struct {
	file     string
	sentinel bool
}

func newInjectCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	f := &injectFlags{}
	cmd := &cobra.Command{
		Use:   "inject [CODE]",
		Short: "Runs Python code inside the target (unsafe)",
		Long: `Runs Python code in the selected thread of the target at the next point where the
interpreter handles pending calls. The target runs arbitrary code on our behalf, and which
thread ends up executing it is not strictly guaranteed.

With --sentinel, an exec socket server is started in a new daemon thread instead; see the
execsock command.`,
		Args: cobra.MaximumNArgs(1),
		RunE: withController(g, log, func(cmd *cobra.Command, c *inferior.Controller, args []string) error {
			given := len(args)
			if f.file != "" {
				given++
			}
			if f.sentinel {
				given++
			}
			if given != 1 {
				return errors.New("give exactly one of CODE, --file or --sentinel")
			}

			ctx := cmd.Context()
			var (
				v   any
				err error
			)
			switch {
			case f.file != "":
				v, err = c.InjectFile(ctx, f.file)
			case f.sentinel:
				v, err = c.InjectSentinel(ctx)
			default:
				v, err = c.InjectString(ctx, args[0])
			}
			if err != nil {
				return err
			}
			log.V(1).Info("Injection finished", "result", render(v))
			if f.sentinel {
				fmt.Fprintf(cmd.OutOrStdout(), "exec socket server started in process %d\n", c.PID())
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&f.file, "file", "", "Python file to run in the target")
	cmd.Flags().BoolVar(&f.sentinel, "sentinel", false, "Start an exec socket server in the target")
	return cmd
}
