package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"regulatory-dbkit/internal/catalog"
	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/usecase"
)

func initCmd() *cobra.Command {
	var (
		withSeed bool
		scenario string
		baseline bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Migrate, seed and verify the database in one run",
		Long:  "Apply pending migrations, check schema compatibility, optionally insert seed data, evaluate the integrity rules and capture a baseline snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scenario == "" {
				scenario = cli.cfg.SeedScenario
			}
			db, err := cli.openDB()
			if err != nil {
				return err
			}
			migrations, err := cli.migrationService()
			if err != nil {
				return err
			}
			seeds, err := cli.seedService(cli.cfg.SeedRandomSeed)
			if err != nil {
				return err
			}
			checks, err := cli.integrityService("")
			if err != nil {
				return err
			}

			orch := usecase.NewOrchestrator(db, catalog.Default(), migrations, seeds, checks, nil, usecase.OrchestratorOptions{
				Seed:         withSeed,
				SeedScenario: scenario,
				Baseline:     baseline,
			})
			report, runErr := orch.Initialize(cmd.Context())
			if err := printInitReport(report); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&withSeed, "seed", false, "Insert seed data after migrating")
	cmd.Flags().StringVar(&scenario, "scenario", "", "Seed scenario (default: SEED_SCENARIO)")
	cmd.Flags().BoolVar(&baseline, "baseline", false, "Capture a baseline snapshot at the end")
	return cmd
}

func printInitReport(report *domain.InitializationReport) error {
	if report == nil {
		return nil
	}
	if output == "json" {
		steps := make([]map[string]any, 0, len(report.Steps))
		for _, s := range report.Steps {
			steps = append(steps, map[string]any{
				"name":        s.Name,
				"success":     s.Success,
				"detail":      s.Detail,
				"duration_ms": s.Duration.Milliseconds(),
			})
		}
		return printJSON(cli.out, map[string]any{
			"success":     report.Success,
			"steps":       steps,
			"duration_ms": report.Duration.Milliseconds(),
		})
	}

	w := tabwriter.NewWriter(cli.out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "STEP\tRESULT\tDETAIL")
	fmt.Fprintln(w, "----\t------\t------")
	for _, s := range report.Steps {
		result := "ok"
		if !s.Success {
			result = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, result, s.Detail)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}
