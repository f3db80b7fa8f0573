package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foremanlabs/foreman/internal/config"
)

// doctorCheck is one health probe with a human-readable verdict.
type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) error
}

func buildDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local foreman setup",
		Long: `Run preflight checks against the configuration: config file validity,
database reachability, artifact root writability and provider credentials.
Exits non-zero if any check fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to configuration file")
	return cmd
}

func runDoctor(ctx context.Context, configPath string) error {
	fmt.Printf("checking config %s\n", configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("  ✗ config: %v\n", err)
		return fmt.Errorf("config check failed")
	}
	fmt.Println("  ✓ config parses and validates")

	checks := []doctorCheck{
		{"database", checkDatabase},
		{"artifact root", checkArtifactRoot},
		{"provider credentials", checkProviderKeys},
	}

	failed := 0
	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := check.run(checkCtx, cfg)
		cancel()
		if err != nil {
			fmt.Printf("  ✗ %s: %v\n", check.name, err)
			failed++
			continue
		}
		fmt.Printf("  ✓ %s\n", check.name)
	}

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Println("all checks passed")
	return nil
}

func checkDatabase(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Ping(ctx)
}

func checkArtifactRoot(_ context.Context, cfg *config.Config) error {
	if cfg.Artifacts.Backend == "s3" {
		// Bucket reachability is checked lazily by the store; here we only
		// confirm the bucket is named.
		if cfg.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("s3 backend selected but no bucket configured")
		}
		return nil
	}
	root := cfg.Artifacts.Root
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("artifact root not creatable: %w", err)
	}
	probe, err := os.CreateTemp(root, ".doctor-*")
	if err != nil {
		return fmt.Errorf("artifact root not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

func checkProviderKeys(_ context.Context, cfg *config.Config) error {
	missing := 0
	for name, provider := range cfg.LLM.Providers {
		if provider.APIKey == "" && providerKeyEnv(name) == "" {
			fmt.Printf("    - %s has no api key configured or in environment\n", name)
			missing++
		}
	}
	if missing == len(cfg.LLM.Providers) && missing > 0 {
		return fmt.Errorf("no provider has credentials")
	}
	return nil
}

func providerKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}
