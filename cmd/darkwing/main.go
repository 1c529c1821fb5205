// Package main is the entry point for the darkwing binary.
package main

import (
	"fmt"
	"os"

	"github.com/darkwingducks/darkwing/pkg/chain"
	"github.com/darkwingducks/darkwing/pkg/config"
	"github.com/darkwingducks/darkwing/pkg/server"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	commit    = ""
	buildDate = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionInfo() server.VersionInfo {
	return server.VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// newRootCmd creates the root command for darkwing
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "darkwing",
		Short: "MEV protection relay for Solana transactions",
		Long: `Darkwing screens the wallet behind a signed Solana transaction, pairs the
transaction with a protection fee transfer and submits both as an atomic
bundle to a Jito block engine.

Example:
  darkwing serve --config darkwing.yaml`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(), newKeygenCmd(), newConfigCmd(), newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the relayer keypair if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("path")
			if err != nil {
				return fmt.Errorf("failed to get path flag: %w", err)
			}
			if path == "" {
				configPath, err := cmd.Flags().GetString("config")
				if err != nil {
					return fmt.Errorf("failed to get config flag: %w", err)
				}
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				path = cfg.Chain.KeypairPath
			}
			key, created, err := chain.LoadOrCreateKeypair(path)
			if err != nil {
				return err
			}
			state := "existing"
			if created {
				state = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s keypair %s\npublic key: %s\n", state, path, key.PublicKey())
			return nil
		},
	}
	cmd.Flags().StringP("path", "p", "", "Keypair file path (default: chain.keypair_path from the configuration)")
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return fmt.Errorf("failed to get config flag: %w", err)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "configuration valid")
			fmt.Fprintf(out, "listen: %s\n", cfg.ListenAddress())
			fmt.Fprintf(out, "is_helius_enabled: %t\n", cfg.IsHeliusEnabled())
			fmt.Fprintf(out, "compliance_enabled: %t (fallback %s)\n", cfg.Compliance.Enabled, cfg.Compliance.Fallback)
			fmt.Fprintf(out, "rate_limit: %d per %s\n", cfg.RateLimit.Requests, cfg.RateLimit.Window())
			return nil
		},
	}
	validateCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")

	configCmd.AddCommand(validateCmd)
	return configCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versionInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "darkwing %s", info.Version)
			if info.Commit != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", info.Commit)
			}
			fmt.Fprintln(cmd.OutOrStdout())
		},
	}
}
