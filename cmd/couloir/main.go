// Package main is the entry point for the couloir binary. It supports
// two subcommands:
//
//   - relay:  runs the public relay that pairs exposer couloirs with
//     HTTP clients
//   - expose: opens or joins a couloir and proxies it to a local
//     HTTP server
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/couloir/couloir/internal/cmd"
	"github.com/couloir/couloir/internal/config"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return fmt.Errorf("failed to initialize couloir: %w", err)
	}
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand() (*cobra.Command, error) {
	conf, err := config.New()
	if err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:           "couloir",
		Short:         "Couloir: an HTTP reverse tunnel relay and exposer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	relayCmd, err := cmd.NewRelayCommand(conf)
	if err != nil {
		return nil, err
	}

	exposeCmd, err := cmd.NewExposeCommand(conf)
	if err != nil {
		return nil, err
	}

	root.AddCommand(relayCmd, exposeCmd)
	return root, nil
}
