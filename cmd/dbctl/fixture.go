package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"regulatory-dbkit/internal/domain"
	"regulatory-dbkit/internal/infra"
	"regulatory-dbkit/internal/repository"
	"regulatory-dbkit/internal/usecase"
)

func fixtureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fixture",
		Short: "Export and import fixtures (snapshots and seed scripts)",
		Long:  "Export and import fixture files. When FIXTURE_KMS_KEY_NAME is set the files are sealed with Cloud KMS",
	}
	cmd.AddCommand(fixtureExportCmd())
	cmd.AddCommand(fixtureImportCmd())
	cmd.AddCommand(fixtureListCmd())
	return cmd
}

// fixtureRepository はFIXTURES_DIRのリポジトリを返す。鍵が設定されていればKMSで暗号化する。
func fixtureRepository(ctx context.Context) (*repository.FixtureRepository, func(), error) {
	if cli.cfg.FixtureKMSKeyName == "" {
		return repository.NewFixtureRepository(cli.cfg.FixturesDir, nil), func() {}, nil
	}
	sealer, err := infra.NewKMSSealer(ctx, cli.cfg.FixtureKMSKeyName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init KMS sealer: %w", err)
	}
	closeFn := func() {
		if err := sealer.Close(); err != nil {
			slog.WarnContext(ctx, "failed to close KMS client", "operation", "close_kms", "error", err)
		}
	}
	return repository.NewFixtureRepository(cli.cfg.FixturesDir, sealer), closeFn, nil
}

func fixtureExportCmd() *cobra.Command {
	var (
		name         string
		seedScenario string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Save a snapshot of the database, or the seed scripts of a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, closeRepo, err := fixtureRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			if seedScenario != "" {
				seeds, err := cli.seedService(cli.cfg.SeedRandomSeed)
				if err != nil {
					return err
				}
				scripts, err := seeds.Generate(ctx, seedScenario)
				if err != nil {
					return err
				}
				for _, script := range scripts {
					path, err := repo.SaveSeedScript(ctx, script)
					if err != nil {
						return err
					}
					fmt.Fprintf(cli.out, "Saved seed script %s to %s.\n", script.ID, path)
				}
				return nil
			}

			db, err := cli.openDB()
			if err != nil {
				return err
			}
			snap, err := usecase.RowDumpStrategy{}.Capture(ctx, db)
			if err != nil {
				return fmt.Errorf("failed to capture snapshot: %w", err)
			}
			snap.Name = name
			path, err := repo.SaveSnapshot(ctx, snap)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cli.out, map[string]any{"id": snap.ID, "path": path, "checksum": snap.Checksum, "rows": snap.RowCounts()})
			}
			fmt.Fprintf(cli.out, "Saved snapshot %s (checksum %s) to %s.\n", snap.ID, snap.Checksum, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Snapshot name")
	cmd.Flags().StringVar(&seedScenario, "seed-scenario", "", "Export the seed scripts of this scenario instead of a snapshot")
	return cmd
}

func fixtureImportCmd() *cobra.Command {
	var seedIDs []string
	cmd := &cobra.Command{
		Use:   "import [snapshot-id]",
		Short: "Restore a saved snapshot, or run saved seed scripts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 && len(seedIDs) == 0 {
				return fmt.Errorf("a snapshot id or --seed is required")
			}
			repo, closeRepo, err := fixtureRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()
			db, err := cli.openDB()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				snap, err := repo.LoadSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				inserted, err := usecase.RowDumpStrategy{}.Restore(ctx, db, snap)
				if err != nil {
					return fmt.Errorf("failed to restore snapshot %s: %w", snap.ID, err)
				}
				restored, err := usecase.RowDumpStrategy{}.Capture(ctx, db)
				if err != nil {
					return err
				}
				if restored.Checksum != snap.Checksum {
					slog.WarnContext(ctx, "restored data does not match snapshot checksum",
						"operation", "import_fixture",
						"snapshot_id", snap.ID,
						"expected", snap.Checksum,
						"actual", restored.Checksum,
					)
				}
				total := 0
				for _, n := range inserted {
					total += n
				}
				fmt.Fprintf(cli.out, "Restored snapshot %s: %d row(s) in %d table(s).\n", snap.ID, total, len(inserted))
			}

			if len(seedIDs) > 0 {
				seeds, err := cli.seedService(cli.cfg.SeedRandomSeed)
				if err != nil {
					return err
				}
				scripts := make([]*domain.SeedScript, 0, len(seedIDs))
				for _, id := range seedIDs {
					script, err := repo.LoadSeedScript(ctx, id)
					if err != nil {
						return err
					}
					scripts = append(scripts, script)
				}
				run, err := seeds.ExecuteAll(ctx, scripts)
				if perr := printSeedRun(run); perr != nil {
					return perr
				}
				if err != nil {
					return fmt.Errorf("seed import failed: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&seedIDs, "seed", nil, "Seed script ids to run")
	return cmd
}

func fixtureListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved fixtures",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo := repository.NewFixtureRepository(cli.cfg.FixturesDir, nil)
			snapshots, err := repo.ListSnapshots()
			if err != nil {
				return err
			}
			scripts, err := repo.ListSeedScripts()
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cli.out, map[string]any{"snapshots": snapshots, "seed_scripts": scripts})
			}
			for _, id := range snapshots {
				fmt.Fprintf(cli.out, "snapshot\t%s\n", id)
			}
			for _, id := range scripts {
				fmt.Fprintf(cli.out, "seed\t%s\n", id)
			}
			return nil
		},
	}
}
