package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"repaircoin/services/redemptiond/report"
)

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "RepairCoin cross-shop redemption service",
		Long: `redemptiond runs the two-party redemption handshake: a shop proposes a
redemption, the customer approves or rejects it from their wallet, and the
shop settles approved sessions against both balances exactly once.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML or TOML)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, sweeper and report scheduler",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				deps, err := setup(configPath, true)
				if err != nil {
					return err
				}
				defer deps.close()
				deps.logger.Info("schema up to date")
				return nil
			},
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire stale sessions once and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return sweepOnce(cmd.Context(), configPath)
			},
		},
		reportCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s\n", serviceName, Version)
			},
		},
	)
	return cmd
}

func sweepOnce(ctx context.Context, configPath string) error {
	deps, err := setup(configPath, false)
	if err != nil {
		return err
	}
	defer deps.close()
	svc, closeNATS, err := deps.newService(nil)
	if err != nil {
		return err
	}
	defer closeNATS()
	n, err := svc.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("expired %d sessions\n", n)
	return nil
}

func reportCmd(configPath *string) *cobra.Command {
	var (
		day    string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write the reconciliation report for one day",
		Long: `report reconciles the redemptions settled on one day (yesterday by
default, in the configured report timezone) and writes CSV and Parquet files
under the report output directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := setup(*configPath, false)
			if err != nil {
				return err
			}
			defer deps.close()
			reconciler, loc, err := deps.newReconciler(dryRun)
			if err != nil {
				return err
			}
			start, end := report.PreviousDay(time.Now().In(loc))
			if day != "" {
				parsed, err := time.ParseInLocation(time.DateOnly, day, loc)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", day, err)
				}
				start, end = parsed, parsed.AddDate(0, 0, 1)
			}
			res, err := reconciler.Run(cmd.Context(), report.RunOptions{Start: start, End: end, DryRun: dryRun})
			if err != nil {
				return err
			}
			deps.logger.Info("report complete",
				slog.String("day", start.Format(time.DateOnly)),
				slog.Int("redemptions", len(res.Rows)),
				slog.Int("anomalies", len(res.Anomalies)),
				slog.String("total", res.Total.String()),
				slog.String("csv", res.Files.CSVPath))
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "date", "", "Day to report (YYYY-MM-DD); defaults to yesterday")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Detect anomalies without writing files")
	return cmd
}
