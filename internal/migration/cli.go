package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI 为 chorus migrate 子命令提供终端输出
type CLI struct {
	migrator Migrator
	output   io.Writer
	asJSON   bool
}

// NewCLI 创建 CLI，默认输出到 stdout
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput 设置输出目标
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// SetJSON 让 status/info 以 JSON 输出
func (c *CLI) SetJSON(v bool) {
	c.asJSON = v
}

func (c *CLI) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.output, format, args...)
}

// RunUp 应用所有待执行迁移
func (c *CLI) RunUp(ctx context.Context) error {
	c.printf("Applying migrations...\n")
	if err := c.migrator.Up(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "Up to date.")
}

// RunDown 回滚一步
func (c *CLI) RunDown(ctx context.Context) error {
	c.printf("Rolling back one migration...\n")
	if err := c.migrator.Down(ctx); err != nil {
		return err
	}
	return c.printVersion(ctx, "Rolled back.")
}

// RunDownAll 回滚全部
func (c *CLI) RunDownAll(ctx context.Context) error {
	c.printf("Rolling back all migrations...\n")
	if err := c.migrator.DownAll(ctx); err != nil {
		return err
	}
	c.printf("All migrations rolled back.\n")
	return nil
}

// RunSteps 正数向前、负数回滚
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n >= 0 {
		c.printf("Applying %d migration(s)...\n", n)
	} else {
		c.printf("Rolling back %d migration(s)...\n", -n)
	}
	if err := c.migrator.Steps(ctx, n); err != nil {
		return err
	}
	return c.printVersion(ctx, "Done.")
}

// RunGoto 迁移到指定版本
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	c.printf("Migrating to version %d...\n", version)
	if err := c.migrator.Goto(ctx, version); err != nil {
		return err
	}
	return c.printVersion(ctx, "Done.")
}

// RunForce 强制设置版本号
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return err
	}
	c.printf("Version forced to %d\n", version)
	return nil
}

// RunVersion 显示当前版本
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return err
	}
	if version == 0 {
		c.printf("No migrations applied yet.\n")
		return nil
	}
	if dirty {
		c.printf("Current version: %d (dirty)\n", version)
	} else {
		c.printf("Current version: %d\n", version)
	}
	return nil
}

func (c *CLI) printVersion(ctx context.Context, prefix string) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	c.printf("%s Current version: %d\n", prefix, info.CurrentVersion)
	return nil
}

// RunStatus 列出所有迁移
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}

	if c.asJSON {
		return c.writeJSON(map[string]any{"migrations": statuses, "info": info})
	}
	if len(statuses) == 0 {
		c.printf("No migrations found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		_, _ = fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	c.printf("\nTotal: %d, Applied: %d, Pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}

// RunInfo 显示迁移汇总
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	if c.asJSON {
		return c.writeJSON(info)
	}
	c.printf("Current Version:    %d\n", info.CurrentVersion)
	c.printf("Dirty:              %v\n", info.Dirty)
	c.printf("Total Migrations:   %d\n", info.TotalMigrations)
	c.printf("Applied Migrations: %d\n", info.AppliedMigrations)
	c.printf("Pending Migrations: %d\n", info.PendingMigrations)
	return nil
}

func (c *CLI) writeJSON(v any) error {
	enc := json.NewEncoder(c.output)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
