package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"regulatory-dbkit/internal/domain"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Apply, roll back and inspect the schema migrations of the regulatory database",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateResetCmd())
	cmd.AddCommand(migrateStatusCmd())
	cmd.AddCommand(migratePendingCmd())
	cmd.AddCommand(migrateValidateCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up [id]",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations in dependency order, or only the given migration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := cli.migrationService()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				if err := svc.Apply(ctx, args[0]); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cli.out, "Applied migration %s.\n", args[0])
				return nil
			}

			res, err := svc.ApplyAll(ctx)
			if output == "json" {
				if jerr := printJSON(cli.out, map[string]any{"applied": res.Applied, "failed_id": res.FailedID}); jerr != nil {
					return jerr
				}
			} else if len(res.Applied) == 0 && err == nil {
				fmt.Fprintln(cli.out, "No pending migrations.")
			} else {
				fmt.Fprintf(cli.out, "Applied %d migration(s) successfully.\n", len(res.Applied))
			}
			if err != nil {
				return fmt.Errorf("migration %s failed: %w", res.FailedID, err)
			}
			return nil
		},
	}
}

func migrateDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down <id>",
		Short: "Roll back a migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.migrationService()
			if err != nil {
				return err
			}
			if err := svc.Rollback(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			fmt.Fprintf(cli.out, "Rolled back migration %s.\n", args[0])
			return nil
		},
	}
}

func migrateResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Roll back every applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.migrationService()
			if err != nil {
				return err
			}
			ids, err := svc.Reset(cmd.Context())
			if err != nil {
				return fmt.Errorf("reset failed: %w", err)
			}
			if output == "json" {
				return printJSON(cli.out, map[string]any{"rolled_back": ids})
			}
			fmt.Fprintf(cli.out, "Rolled back %d migration(s).\n", len(ids))
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.migrationService()
			if err != nil {
				return err
			}
			migrations, err := svc.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			return printMigrations(migrations)
		},
	}
}

func migratePendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List migrations that are not applied yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.migrationService()
			if err != nil {
				return err
			}
			migrations, err := svc.Pending(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list pending migrations: %w", err)
			}
			return printMigrations(migrations)
		},
	}
}

func migrateValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check migration checksums, dependencies and schema self-checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := cli.migrationService()
			if err != nil {
				return err
			}
			report, err := svc.Validate(cmd.Context())
			if err != nil {
				return fmt.Errorf("validation could not run: %w", err)
			}
			if output == "json" {
				if err := printJSON(cli.out, report); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(cli.out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "KIND\tMIGRATION\tMESSAGE")
				fmt.Fprintln(w, "----\t---------\t-------")
				for _, issue := range report.Issues {
					fmt.Fprintf(w, "%s\t%s\t%s\n", issue.Kind, orDash(issue.MigrationID), issue.Message)
				}
				if err := w.Flush(); err != nil {
					return fmt.Errorf("failed to flush output: %w", err)
				}
			}
			if !report.OK() {
				return fmt.Errorf("%w: %d issue(s) found", domain.ErrValidationFailed, len(report.Issues))
			}
			return nil
		},
	}
}

// printMigrations はマイグレーション一覧をテーブル形式かJSONで出力する。
func printMigrations(migrations []*domain.Migration) error {
	if output == "json" {
		rows := make([]map[string]any, 0, len(migrations))
		for _, m := range migrations {
			rows = append(rows, map[string]any{
				"id":         m.ID,
				"name":       m.Name,
				"version":    m.Version,
				"status":     m.Status,
				"applied_at": m.AppliedAt,
				"depends_on": m.DependsOn,
			})
		}
		return printJSON(cli.out, rows)
	}

	w := tabwriter.NewWriter(cli.out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tSTATUS\tAPPLIED AT")
	fmt.Fprintln(w, "--\t----\t-------\t------\t----------")
	for _, m := range migrations {
		appliedAt := "-"
		if m.AppliedAt != nil {
			appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
		}
		status := string(m.Status)
		if status == "" {
			status = string(domain.MigrationStatusPending)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Name, orDash(m.Version), status, appliedAt)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
