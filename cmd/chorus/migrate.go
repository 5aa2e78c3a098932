package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/chorus/internal/database"
	"github.com/BaSui01/chorus/internal/migration"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

func migrateCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the sample database schema",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print status and info as JSON")

	// withCLI 打开数据库并把迁移 CLI 交给 fn；连接在 fn 返回后关闭
	withCLI := func(cmd *cobra.Command, fn func(ctx context.Context, cli *migration.CLI) error) error {
		cfg, err := opts.load()
		if err != nil {
			return err
		}
		cfg.Log.OutputPaths = []string{"stderr"}
		logger, _ := initLogger(cfg.Log)
		defer func() { _ = logger.Sync() }()

		ctx := cmd.Context()
		pm, err := database.Open(ctx, cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer func() {
			if err := pm.Close(); err != nil {
				logger.Warn("database close", zap.Error(err))
			}
		}()

		sqlDB, err := pm.DB().DB()
		if err != nil {
			return fmt.Errorf("failed to get sql.DB: %w", err)
		}
		m, err := migration.NewMigratorFromDatabaseConfig(cfg.Database, sqlDB, logger)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
		defer func() { _ = m.Close() }()

		cli := migration.NewCLI(m)
		cli.SetOutput(cmd.OutOrStdout())
		cli.SetJSON(asJSON)
		return fn(ctx, cli)
	}

	var all bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration (--all for every migration)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCLI(cmd, func(ctx context.Context, cli *migration.CLI) error {
				if all {
					return cli.RunDownAll(ctx)
				}
				return cli.RunDown(ctx)
			})
		},
	}
	down.Flags().BoolVar(&all, "all", false, "roll back all migrations")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCLI(cmd, func(ctx context.Context, cli *migration.CLI) error { return cli.RunUp(ctx) })
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCLI(cmd, func(ctx context.Context, cli *migration.CLI) error { return cli.RunStatus(ctx) })
			},
		},
		&cobra.Command{
			Use:   "info",
			Short: "Show migration summary",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCLI(cmd, func(ctx context.Context, cli *migration.CLI) error { return cli.RunInfo(ctx) })
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withCLI(cmd, func(ctx context.Context, cli *migration.CLI) error { return cli.RunVersion(ctx) })
			},
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return withCLI(cmd, func(ctx context.Context, cli *migration.CLI) error { return cli.RunGoto(ctx, uint(v)) })
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations (clears dirty state)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return withCLI(cmd, func(ctx context.Context, cli *migration.CLI) error { return cli.RunForce(ctx, v) })
			},
		},
		&cobra.Command{
			Use:   "steps <n>",
			Short: "Apply n migrations (negative rolls back)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid step count %q: %w", args[0], err)
				}
				return withCLI(cmd, func(ctx context.Context, cli *migration.CLI) error { return cli.RunSteps(ctx, n) })
			},
		},
	)
	return cmd
}
