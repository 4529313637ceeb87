// Command neuron is the host-side supervisor: it assembles the kernel
// subsystems, opens the state journal, starts the userspace services and
// watches the update inbox.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/open-nexus-os/nexus-core/internal/buildinfo"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "neuron",
		Short:         "NEURON supervisor",
		Version:       buildinfo.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.Development)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return run(cmd.Context(), log, cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	return cmd
}

func newLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
