package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"regulatory-dbkit/internal/domain"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate, insert and remove seed data",
	}
	cmd.AddCommand(seedRunCmd())
	cmd.AddCommand(seedCleanupCmd())
	return cmd
}

func seedRunCmd() *cobra.Command {
	var (
		scenario   string
		randomSeed int64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Insert the seed data of a scenario",
		Long:  "Generate the seed scripts of a scenario (minimal, demo, variety, stress) and insert them in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scenario == "" {
				scenario = cli.cfg.SeedScenario
			}
			if !cmd.Flags().Changed("random-seed") {
				randomSeed = cli.cfg.SeedRandomSeed
			}
			svc, err := cli.seedService(randomSeed)
			if err != nil {
				return err
			}
			run, err := svc.Run(cmd.Context(), scenario)
			if perr := printSeedRun(run); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("seed scenario %s failed: %w", scenario, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "Seed scenario (default: SEED_SCENARIO)")
	cmd.Flags().Int64Var(&randomSeed, "random-seed", 0, "Random seed for reproducible data (default: SEED_RANDOM_SEED)")
	return cmd
}

func seedCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every row inserted by seeding",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.seedService(cli.cfg.SeedRandomSeed)
			if err != nil {
				return err
			}
			deleted, err := svc.Cleanup(cmd.Context())
			if err != nil {
				return fmt.Errorf("seed cleanup failed: %w", err)
			}
			if output == "json" {
				return printJSON(cli.out, deleted)
			}
			tables := make([]string, 0, len(deleted))
			for name := range deleted {
				tables = append(tables, name)
			}
			sort.Strings(tables)
			w := tabwriter.NewWriter(cli.out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "TABLE\tDELETED")
			for _, name := range tables {
				fmt.Fprintf(w, "%s\t%d\n", name, deleted[name])
			}
			return w.Flush()
		},
	}
}

func printSeedRun(run *domain.SeedRunResult) error {
	if run == nil {
		return nil
	}
	if output == "json" {
		rows := make([]map[string]any, 0, len(run.Results))
		for _, r := range run.Results {
			rows = append(rows, map[string]any{
				"script_id":     r.ScriptID,
				"inserted":      r.Inserted,
				"record_errors": len(r.RecordErrors),
				"validations":   r.Validations,
				"duration_ms":   r.Duration.Milliseconds(),
			})
		}
		return printJSON(cli.out, map[string]any{"results": rows, "failed_id": run.FailedID, "skipped": run.Skipped})
	}
	for _, r := range run.Results {
		fmt.Fprintln(cli.out, r.Summary())
		for _, v := range r.Validations {
			if !v.Passed {
				fmt.Fprintf(cli.out, "  validation %s failed: expected %v, got %v %s\n", v.Name, v.Expected, v.Actual, v.Error)
			}
		}
	}
	for _, id := range run.Skipped {
		fmt.Fprintf(cli.out, "script %s: skipped\n", id)
	}
	return nil
}
