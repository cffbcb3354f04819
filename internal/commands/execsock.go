package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dshills/pyringe/internal/execsock"
	"github.com/dshills/pyringe/internal/logger"
)

// newExecSockCmd talks to servers started by "inject --sentinel". These
// requests go straight to the target, no gdb involved.
func newExecSockCmd(g *globalFlags, log *logger.Logger) *cobra.Command {
	var root string
	client := func() (*execsock.Client, error) {
		if g.pid <= 0 {
			return nil, errors.New("a target is required, use --pid")
		}
		return execsock.New(execsock.WithRoot(root), execsock.WithLogger(log.WithName("execsock"))), nil
	}
	parseTID := func(s string) (int64, error) {
		tid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid thread ident %q", s)
		}
		return tid, nil
	}

	cmd := &cobra.Command{
		Use:   "execsock",
		Short: "Talks to exec socket servers running in the target",
	}
	cmd.PersistentFlags().StringVar(&root, "root", execsock.DefaultRoot, "Directory holding the per-process socket directories")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Lists threads with a running exec socket server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				c, err := client()
				if err != nil {
					return err
				}
				tids, err := c.Threads(g.pid)
				if err != nil {
					return err
				}
				for _, tid := range tids {
					fmt.Fprintln(cmd.OutOrStdout(), tid)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "send TID CODE",
			Short: "Evaluates or executes Python code in a server and prints the result",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := client()
				if err != nil {
					return err
				}
				tid, err := parseTID(args[0])
				if err != nil {
					return err
				}
				v, err := c.Send(cmd.Context(), g.pid, tid, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), render(v))
				return nil
			},
		},
		&cobra.Command{
			Use:   "close TID",
			Short: "Stops a server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := client()
				if err != nil {
					return err
				}
				tid, err := parseTID(args[0])
				if err != nil {
					return err
				}
				return c.Close(cmd.Context(), g.pid, tid)
			},
		},
	)
	return cmd
}
