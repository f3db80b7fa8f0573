package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foremanlabs/foreman/internal/config"
)

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Apply the foreman schema to the configured database. The migration is
idempotent: every statement is CREATE ... IF NOT EXISTS, so re-running it
against an up-to-date database is a no-op. serve also applies the schema on
startup; this command exists for pipelines that migrate before deploying.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate schema: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Long: `Load the configuration file, resolve $include directives, expand
environment references, apply defaults and run validation. Exits non-zero
with the first validation error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if _, err := config.Load(path); err != nil {
				fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
			return err
		},
	}
}
