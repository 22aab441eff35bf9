// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/labyrinth/labyrinth/internal/config"
)

// NewRootCmd creates the root command for the Labyrinth CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labyrinth",
		Short: "Labyrinth - lab seat reservation accounts and credentials",
		Long: `Labyrinth runs the account, login and credential recovery API for the
lab seat reservation system: lockout-protected login, password rotation
with history, emailed reset tokens and security question recovery.`,
		SilenceUsage: true,
	}

	// Every setting is also a persistent flag; see config.Load for precedence.
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSeedCmd())

	return cmd
}

// loadConfig resolves the configuration for cmd from file, environment and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cmd.Flags())
}

// databaseURL returns the configured database URL for commands that only
// need the database.
func databaseURL(cfg *config.Config) (string, error) {
	if cfg.Database.URL == "" {
		return "", oops.Code("CONFIG_INVALID").
			With("key", "database.url").
			Errorf("database.url is required (flag --database.url or LABYRINTH_DATABASE__URL)")
	}
	return cfg.Database.URL, nil
}
