package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/keymaster/pkg/api"
	"github.com/cuemby/keymaster/pkg/config"
	"github.com/cuemby/keymaster/pkg/log"
	"github.com/cuemby/keymaster/pkg/service"
	"github.com/cuemby/keymaster/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "keymaster",
	Short: "Keymaster - domain-scoped signing key lifecycle service",
	Long: `Keymaster manages RSA signing keys per domain: generation, atomic
rotation with a verification grace period, scheduled sweeps, expired-key
cleanup, and the JWKS/signing read side.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Keymaster version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(jwksCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(policyCmd)
}

// loadConfig layers env vars, an optional config file, and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

func newService(cmd *cobra.Command) (*service.Service, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	svc, err := service.New(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func printResult(res types.RotationResult) error {
	switch res.Outcome {
	case types.OutcomeSuccess:
		fmt.Printf("✓ %s: %s", res.Domain, res.Outcome)
		if res.OldKid != "" {
			fmt.Printf(" (retired %s)", res.OldKid)
		}
		fmt.Printf("\n  Active kid: %s\n", res.NewKid)
		return nil
	case types.OutcomeSkipped:
		fmt.Printf("- %s: skipped (%s)\n", res.Domain, res.Reason)
		return nil
	default:
		return fmt.Errorf("%s: %s", res.Domain, res.Reason)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Keymaster server",
	Long: `Run the HTTP API together with the background rotation sweeps and
the expired-key janitor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cfg, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := svc.Start(ctx); err != nil {
			return err
		}
		fmt.Println("✓ Background schedules started")

		server := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      api.NewServer(svc).Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("API server error: %w", err)
			}
		}()
		fmt.Printf("✓ API listening on :%d\n", cfg.Port)
		fmt.Println()
		fmt.Println("Keymaster is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown API server: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var setupCmd = &cobra.Command{
	Use:   "setup DOMAIN",
	Short: "Provision a domain's first signing key and rotation policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		intervalDays, _ := cmd.Flags().GetInt("interval-days")

		svc, _, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		return printResult(svc.InitialSetupDomain(cmd.Context(), args[0], intervalDays))
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate [DOMAIN]",
	Short: "Rotate one domain, or every due domain with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return fmt.Errorf("specify either a DOMAIN or --all")
		}

		svc, _, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		if !all {
			return printResult(svc.RotateDomain(cmd.Context(), args[0]))
		}

		summary, err := svc.RotateDueDomains(cmd.Context())
		if err != nil {
			return err
		}
		for _, res := range summary.Results {
			if err := printResult(res); err != nil {
				fmt.Fprintf(os.Stderr, "✗ %v\n", err)
			}
		}
		fmt.Printf("\n%d succeeded, %d skipped, %d failed\n",
			summary.Succeeded, summary.Skipped, summary.Failed)
		if summary.Failed > 0 {
			return fmt.Errorf("%d rotation(s) failed", summary.Failed)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired retired keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		summary, err := svc.CleanupExpiredKeys(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("✓ Examined %d, reaped %d, failed %d\n",
			summary.Examined, summary.Reaped, summary.Failed)
		return nil
	},
}

var jwksCmd = &cobra.Command{
	Use:   "jwks DOMAIN",
	Short: "Print the published key set for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		set, err := svc.GetJwks(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(set, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign DOMAIN CLAIMS_JSON",
	Short: "Sign a claims payload under a domain's active key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var claims map[string]any
		if err := json.Unmarshal([]byte(args[1]), &claims); err != nil {
			return fmt.Errorf("claims must be a JSON object: %w", err)
		}

		svc, _, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		token, kid, err := svc.Sign(cmd.Context(), args[0], claims)
		if err != nil {
			return err
		}
		fmt.Printf("kid: %s\n%s\n", kid, token)
		return nil
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and toggle rotation policies",
}

var policyShowCmd = &cobra.Command{
	Use:   "show DOMAIN",
	Short: "Show a domain's rotation policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		policy, err := svc.GetPolicy(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(policy, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var policyEnableCmd = &cobra.Command{
	Use:   "enable DOMAIN",
	Short: "Include a domain in scheduled rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.EnablePolicy(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Rotation enabled for %s\n", args[0])
		return nil
	},
}

var policyDisableCmd = &cobra.Command{
	Use:   "disable DOMAIN",
	Short: "Exclude a domain from scheduled rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.DisablePolicy(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Rotation disabled for %s\n", args[0])
		return nil
	},
}

func init() {
	setupCmd.Flags().Int("interval-days", config.DefaultRotationIntervalDays, "Rotation interval in days")
	rotateCmd.Flags().Bool("all", false, "Rotate every due domain")

	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyEnableCmd)
	policyCmd.AddCommand(policyDisableCmd)
}
