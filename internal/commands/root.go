// Package commands implements the pyringe command line.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/pyringe/internal/config"
	"github.com/dshills/pyringe/internal/inferior"
	"github.com/dshills/pyringe/internal/logger"
	"github.com/dshills/pyringe/internal/transport"
)

// serveCommand is the hidden sub-command the helper process runs.
const serveCommand = "serve"

// globalFlags are shared by every inspection verb.
type globalFlags struct {
	configFile string
	pid        int
	tid        int64
	frame      int
	symbols    string
	noSymbols  bool
}

// NewRootCmd builds the pyringe command tree.
func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "pyringe",
		Short: "Inspects and manipulates running Python 2 processes",
		Long: `pyringe attaches to a running CPython 2 process through gdb and inspects it live:
threads, stacks, variables, and code injection. The target does not need to have been
started in any special mode, but gdb needs a debug symbol file for its interpreter.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configFile, "config", "", "Configuration file (TOML or YAML). Defaults to the per-user config file.")
	pf.IntVarP(&g.pid, "pid", "p", 0, "Target process id")
	pf.Int64VarP(&g.tid, "thread", "t", 0, "Python thread ident to inspect. Defaults to the first thread.")
	pf.IntVarP(&g.frame, "frame", "f", -1, "Frame depth counted from the outermost frame. -1 is the innermost frame.")
	pf.StringVar(&g.symbols, "symbols", "", "Debug symbol file for the target interpreter")
	pf.BoolVar(&g.noSymbols, "no-symbols", false, "Do not load a symbol file automatically")
	log.AddLevelFlag(pf)

	rootCmd.AddCommand(
		newServeCmd(g),
		newThreadsCmd(g, log),
		newBacktraceCmd(g, log),
		newLocalsCmd(g, log),
		newGlobalsCmd(g, log),
		newBuiltinsCmd(g, log),
		newLookupCmd(g, log),
		newCallCmd(g, log),
		newGDBCmd(g, log),
		newInjectCmd(g, log),
		newExecSockCmd(g, log),
	)
	return rootCmd, nil
}

// settings loads the configuration file and environment.
func (g *globalFlags) settings(ctx context.Context) (config.Settings, error) {
	var opts []config.Option
	if g.configFile != "" {
		opts = append(opts, config.WithFile(g.configFile))
	}
	cfg := config.New(opts...)
	if err := cfg.Load(ctx); err != nil {
		return config.Settings{}, err
	}
	return cfg.Settings()
}

// helperArgs re-runs this binary as the helper with the same config.
func (g *globalFlags) helperArgs() []string {
	args := []string{serveCommand}
	if g.configFile != "" {
		args = append(args, "--config="+g.configFile)
	}
	return args
}

// controller attaches a Controller to the target and selects the
// requested thread and frame.
func (g *globalFlags) controller(ctx context.Context, log *logger.Logger) (*inferior.Controller, error) {
	if g.pid <= 0 {
		return nil, fmt.Errorf("a target is required, use --pid")
	}
	s, err := g.settings(ctx)
	if err != nil {
		return nil, err
	}
	if s.Log.Level != "" && !log.LevelSet() {
		if err := log.SetLevelString(s.Log.Level); err != nil {
			return nil, err
		}
	}

	cfg := inferior.Config{
		AutoLoadSymbols: s.Symbols.AutoLoad && !g.noSymbols,
		SymbolFile:      s.Symbols.File,
		GDBArgs:         s.GDB.Args,
		Arch:            s.GDB.Arch,
		Transport: transport.Options{
			HelperPath: s.Session.HelperPath,
			HelperArgs: g.helperArgs(),
			GDBPath:    s.GDB.Path,
			Timeout:    s.Session.Timeout,
			KillGrace:  s.Session.KillGrace,
			FaultGrace: s.Session.FaultGrace,
			Log:        log.WithName("transport"),
		},
	}
	if g.symbols != "" {
		cfg.SymbolFile = g.symbols
	}

	c := inferior.New(cfg, inferior.WithLogger(log.WithName("inferior")))
	if err := c.Attach(ctx, g.pid); err != nil {
		_ = c.Close()
		return nil, err
	}
	if !c.IsRunning() {
		_ = c.Close()
		return nil, fmt.Errorf("process %d does not exist", g.pid)
	}
	if g.tid != 0 {
		ok, err := c.SelectThread(ctx, g.tid)
		if err == nil && !ok {
			err = fmt.Errorf("thread %d does not exist", g.tid)
		}
		if err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	if g.frame != -1 {
		if err := c.SelectFrame(ctx, g.frame); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// withController runs fn against an attached controller and always
// shuts the helper down afterwards.
func withController(g *globalFlags, log *logger.Logger, fn func(cmd *cobra.Command, c *inferior.Controller, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := g.controller(cmd.Context(), log)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Close(); err != nil {
				log.V(1).Info("Closing the helper failed", "error", err.Error())
			}
		}()
		return fn(cmd, c, args)
	}
}
