// Package cmd wires Couloir's two Cobra subcommands, relay and
// expose, onto config-bound flag sets.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/couloir/couloir/internal/cmd/expose"
	"github.com/couloir/couloir/internal/cmd/relay"
	"github.com/couloir/couloir/internal/config"
)

// NewRelayCommand builds the "relay <domain>" subcommand.
func NewRelayCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "relay <domain>",
		Short:   "Run the public relay that pairs exposer couloirs with HTTP clients",
		Example: "couloir relay my.test --port 443",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return relay.Run(cmd.Context(), args[0], relay.Config{
				Port:     conf.RelayPort(),
				HTTP:     conf.RelayHTTP(),
				Password: conf.RelayPassword(),
				Email:    conf.RelayEmail(),
				CertDir:  conf.RelayCertDir(),
			})
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.RelayOptions); err != nil {
		return nil, fmt.Errorf("relay command: %w", err)
	}
	return cmd, nil
}

// NewExposeCommand builds the "expose <local-port>" subcommand.
func NewExposeCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "expose <local-port>",
		Short:   "Open or join a couloir and proxy it to a local HTTP server",
		Example: "couloir expose 3000 --on my.test --as myapp",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return expose.Run(cmd.Context(), args[0], expose.Config{
				On:           conf.ExposeOn(),
				As:           conf.ExposeAs(),
				RelayPort:    conf.ExposeRelayPort(),
				RelayIP:      conf.ExposeRelayIP(),
				LocalHost:    conf.ExposeLocalHost(),
				OverrideHost: conf.ExposeOverrideHost(),
				HTTP:         conf.ExposeHTTP(),
				Password:     conf.ExposePassword(),
				Concurrency:  conf.ExposeConcurrency(),
			})
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ExposeOptions); err != nil {
		return nil, fmt.Errorf("expose command: %w", err)
	}
	return cmd, nil
}
