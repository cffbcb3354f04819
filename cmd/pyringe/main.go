// Package main is the entry point for pyringe.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dshills/pyringe/internal/commands"
	"github.com/dshills/pyringe/internal/inferior"
	"github.com/dshills/pyringe/internal/logger"
)

const (
	errCommand  = 1
	errSetup    = 2
	errPosition = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	log, err := logger.New("pyringe", logger.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize logging: %v\n", err)
		return errSetup
	}
	defer log.Close()

	root, err := commands.NewRootCmd(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return errSetup
	}

	// The helper handles its own signals; everything else stops what it
	// is doing and shuts its helper down.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if inferior.IsPositionError(err) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return errPosition
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return errCommand
	}
	return 0
}
