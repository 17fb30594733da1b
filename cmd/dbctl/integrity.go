package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/usecase"
)

func integrityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Evaluate data integrity rules",
	}
	cmd.AddCommand(integrityCheckCmd())
	return cmd
}

func integrityCheckCmd() *cobra.Command {
	var (
		category  string
		rulesFile string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the integrity rules and print a scored report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if category != "" && !domain.Category(category).Valid() {
				return fmt.Errorf("%w: unknown category %q", domain.ErrInvalidRule, category)
			}
			svc, err := cli.integrityService(rulesFile)
			if err != nil {
				return err
			}
			db, err := cli.openDB()
			if err != nil {
				return err
			}

			var report *domain.IntegrityReport
			if category != "" {
				report = svc.EvaluateCategory(ctx, domain.Category(category), db)
			} else {
				report = svc.Evaluate(ctx, nil, db)
			}
			if err := printIntegrityReport(report); err != nil {
				return err
			}
			if n := report.FailedErrors(); n > 0 {
				return fmt.Errorf("%w: %d error-severity rule(s)", usecase.ErrIntegrityFailed, n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only run rules of this category (schema, constraint, relationship, format, business)")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "YAML rule set to use instead of the built-in rules (default: INTEGRITY_RULES_FILE)")
	return cmd
}

func printIntegrityReport(report *domain.IntegrityReport) error {
	if output == "json" {
		results := make([]map[string]any, 0, len(report.Results))
		for _, r := range report.Results {
			row := map[string]any{
				"rule_id":          r.RuleID,
				"category":         r.Category,
				"severity":         r.Severity,
				"passed":           r.Passed,
				"actual":           r.Actual,
				"expected":         r.Expected,
				"affected_records": r.AffectedRecords,
				"samples":          r.Samples,
			}
			if r.Err != nil {
				row["error"] = r.Err.Error()
			}
			results = append(results, row)
		}
		return printJSON(cli.out, map[string]any{
			"score":           report.Score,
			"total":           report.Total,
			"passed":          report.Passed,
			"failed":          report.Failed,
			"by_category":     report.ByCategory,
			"recommendations": report.Recommendations,
			"results":         results,
		})
	}

	w := tabwriter.NewWriter(cli.out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RULE\tCATEGORY\tSEVERITY\tRESULT\tAFFECTED")
	fmt.Fprintln(w, "----\t--------\t--------\t------\t--------")
	for _, r := range report.Results {
		result := "pass"
		switch {
		case r.Err != nil:
			result = "error"
		case !r.Passed:
			result = "fail"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", r.RuleID, r.Category, r.Severity, result, r.AffectedRecords)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	fmt.Fprintf(cli.out, "\nScore: %d%% (%d/%d passed)\n", report.Score, report.Passed, report.Total)
	for _, rec := range report.Recommendations {
		fmt.Fprintf(cli.out, "- %s\n", rec)
	}
	return nil
}
