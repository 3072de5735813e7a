package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/anouar4070/MediTime-2/internal/app"
	"github.com/anouar4070/MediTime-2/internal/auth"
	"github.com/anouar4070/MediTime-2/internal/config"
	"github.com/anouar4070/MediTime-2/internal/db"
	"github.com/anouar4070/MediTime-2/internal/integrity"
	"github.com/anouar4070/MediTime-2/internal/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "slotctl",
		Short:        "Operator tooling for the booking core",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(integrityCmd())
	rootCmd.AddCommand(paymentsCmd())
	rootCmd.AddCommand(tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	// keep stdout for command output
	return cfg, logging.NewWithWriter(os.Stderr, cfg.Env, cfg.LogLevel, "slotctl"), nil
}

// withApp builds the service graph for one command run.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, log, err := load()
	if err != nil {
		return err
	}
	if cfg.Storage != config.StoragePostgres {
		return errors.New("slotctl needs STORAGE=postgres, in-memory state lives inside the server")
	}

	a, err := app.Build(ctx, cfg, log, app.BuildOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			opts := db.DefaultPoolOptions()
			opts.Migrate = false
			pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, opts, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			opts := db.DefaultPoolOptions()
			opts.Migrate = false
			pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, opts, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func integrityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Compare the availability index with appointment records",
	}

	run := func(repair bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withApp(cmd.Context(), func(a *app.App) error {
				var report *integrity.Report
				var err error
				if repair {
					report, err = a.Integrity.Repair(cmd.Context())
				} else {
					report, err = a.Integrity.Check(cmd.Context())
				}
				if err != nil {
					return err
				}
				return printReport(report, asJSON)
			})
		}
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Report discrepancies without changing anything",
		RunE:  run(false),
	}
	check.Flags().Bool("json", false, "Print the report as JSON")
	cmd.AddCommand(check)

	repair := &cobra.Command{
		Use:   "repair",
		Short: "Release orphaned claims and restore missing ones",
		RunE:  run(true),
	}
	repair.Flags().Bool("json", false, "Print the report as JSON")
	cmd.AddCommand(repair)

	return cmd
}

func printReport(r *integrity.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Printf("Days checked: %d\n", r.DaysChecked)
	fmt.Printf("Discrepancies: %d (repaired %d)\n", len(r.Discrepancies), r.Repaired())
	if len(r.Discrepancies) == 0 {
		return nil
	}
	fmt.Printf("%-38s %-12s %-7s %-16s %s\n", "PROVIDER", "DATE", "TIME", "KIND", "REPAIRED")
	for _, d := range r.Discrepancies {
		fmt.Printf("%-38s %-12s %-7s %-16s %t\n", d.Key.ProviderID, d.Key.Date, d.SlotTime, d.Kind, d.Repaired)
	}
	return nil
}

func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Payment reconciliation",
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Re-check open checkout sessions with the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")

			return withApp(cmd.Context(), func(a *app.App) error {
				confirmed, err := a.Payments.ReconcileOpenSessions(cmd.Context(), olderThan, limit)
				if err != nil {
					return err
				}
				fmt.Printf("Confirmed %d payment(s).\n", confirmed)
				return nil
			})
		},
	}
	sweep.Flags().Duration("older-than", 10*time.Minute, "Only sessions opened at least this long ago")
	sweep.Flags().Int("limit", 100, "Maximum sessions to check")
	cmd.AddCommand(sweep)

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if subject == "" {
				return errors.New("--subject is required")
			}

			cfg, _, err := load()
			if err != nil {
				return err
			}
			tok, err := auth.NewAuthenticator(cfg.JWTSecret, "").Issue(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Patient or operator id")
	cmd.Flags().String("role", "", "Role claim, e.g. admin")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")

	return cmd
}
