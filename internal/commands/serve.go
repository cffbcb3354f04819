package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dshills/pyringe/internal/engine/gdbmi"
	"github.com/dshills/pyringe/internal/logger"
	"github.com/dshills/pyringe/internal/service"
)

const errSignalled = 3

type serveFlags struct {
	gdbPath string
	gdbArgs []string
	arch    string
}

// newServeCmd runs the request loop over stdin and stdout. Its stderr is
// the fault channel, so it never logs there.
func newServeCmd(g *globalFlags) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:    serveCommand,
		Short:  "Runs the helper service (started by pyringe itself)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), g, f)
		},
	}
	cmd.Flags().StringVar(&f.gdbPath, "gdb", "gdb", "gdb binary")
	cmd.Flags().StringArrayVar(&f.gdbArgs, "gdb-arg", nil, "Extra gdb command line argument (repeatable)")
	cmd.Flags().StringVar(&f.arch, "arch", "", "gdb target architecture")
	return cmd
}

func runServe(ctx context.Context, g *globalFlags, f *serveFlags) error {
	s, err := g.settings(ctx)
	if err != nil {
		return err
	}
	log, err := logger.New("pyringe-helper", logger.Options{
		Level:     s.Log.Level,
		File:      s.Log.File,
		NoConsole: true,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	eng, err := gdbmi.Start(ctx, gdbmi.Options{
		Path: f.gdbPath,
		Args: f.gdbArgs,
		Arch: f.arch,
		Log:  log.WithName("gdb"),
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	// The controller interrupts and then terminates a helper that does
	// not exit on request. gdb must detach before we go.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}
		log.Info("Stopping on signal", "signal", sig.String())
		_ = eng.Close()
		_ = log.Close()
		os.Exit(errSignalled)
	}()

	svc := service.New(eng,
		service.WithLogger(log.WithName("service")),
		service.WithLimits(service.Limits{
			MaxChainSteps:   s.Service.MaxChainSteps,
			MaxStringLength: s.Service.MaxStringLength,
			MaxItems:        s.Service.MaxItems,
			MaxDepth:        s.Service.MaxDepth,
		}),
	)
	log.V(1).Info("Serving", "operations", len(svc.Operations()))
	return svc.Serve(ctx, os.Stdin, os.Stdout, os.Stderr)
}
