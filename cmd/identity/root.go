// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/nhdcl/identity/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the identity CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Identity and account lifecycle service",
		Long: `identity authenticates users, issues session tokens, runs the
one-time passcode password recovery flow and manages account lifecycle.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/identity/config.yaml)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewConfigCmd())

	return cmd
}

// loadConfig reads the layered configuration for a subcommand. Command flags
// are overlaid only when withFlags is set.
func loadConfig(cmd *cobra.Command, withFlags bool) (*config.Config, error) {
	opts := config.LoadOptions{Path: configFile}
	if withFlags {
		opts.Flags = cmd.Flags()
	}
	return config.Load(opts)
}
