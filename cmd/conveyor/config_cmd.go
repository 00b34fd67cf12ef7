package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/conveyor/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Conveyor configuration",
		Long: `Create, view and validate the Conveyor configuration.

Configuration File Location:
  Default: ~/.conveyor/config.yaml
  Override with --config (a .toml extension selects TOML)

Examples:
  conveyor config init                   # Write defaults
  conveyor config show --json            # View effective config
  conveyor config validate               # Check the file`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigPathCmd(),
	)

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force bool
		repo  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}

			cfg := config.DefaultConfig()
			cfg.GitHub.Repo = repo
			cfg.Autopilot.Repository = repo
			if err := config.Save(cfg, path); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✅ Configuration written")
			fmt.Fprintf(out, "   Config: %s\n", path)
			if repo == "" {
				fmt.Fprintln(out, "   Next: set github.repo, then export GITHUB_TOKEN and CONVEYOR_AGENT_API_KEY")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&repo, "repo", "", "task repository as owner/name")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			maskSecrets(cfg)

			out := cmd.OutOrStdout()
			if outputJSON {
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal config: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprint(out, string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	return cmd
}

func maskSecrets(cfg *config.Config) {
	mask := func(s *string) {
		if *s != "" {
			*s = "****"
		}
	}
	mask(&cfg.GitHub.Token)
	mask(&cfg.GitHub.WebhookSecret)
	mask(&cfg.Agent.APIKey)
	mask(&cfg.Gateway.APIToken)
	mask(&cfg.Lock.RedisURL)
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return fmt.Errorf("config file does not exist: %s", path)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("❌ %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✅ Configuration is valid")
			if cfg.GitHub.Token == "" {
				fmt.Fprintln(out, "⚠️  No GitHub token (set github.token or GITHUB_TOKEN)")
			}
			if cfg.Agent.APIKey == "" {
				fmt.Fprintln(out, "⚠️  No agent API key; dispatch will post a setup notice instead of starting sessions")
			}
			if cfg.GitHub.WebhookSecret == "" {
				fmt.Fprintln(out, "⚠️  No webhook secret; webhook signatures are not checked")
			}
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
		},
	}
}
