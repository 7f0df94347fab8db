package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/migadu/xoauth2-proxy/db"
)

func runMigrate(args []string, out io.Writer) error {
	if len(args) < 1 {
		printMigrateUsage(out)
		return fmt.Errorf("missing migrate subcommand")
	}

	fs := flag.NewFlagSet("migrate "+args[0], flag.ContinueOnError)
	fs.SetOutput(out)
	configPath, dbPath := addConfigFlags(fs)

	switch args[0] {
	case "up", "version":
	case "help", "--help", "-h":
		printMigrateUsage(out)
		return nil
	default:
		printMigrateUsage(out)
		return fmt.Errorf("unknown migrate subcommand: %s", args[0])
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, *configPath, *dbPath)
	if err != nil {
		return err
	}

	if args[0] == "up" {
		if err := db.Migrate(cfg.Database.Path); err != nil {
			return err
		}
		fmt.Fprintln(out, "Migrations applied successfully.")
	}

	version, dirty, err := db.MigrationVersion(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	fmt.Fprintf(out, "Current migration version: %d (dirty: %t)\n", version, dirty)
	return nil
}

func printMigrateUsage(out io.Writer) {
	fmt.Fprint(out, `Token Store Schema Migration

Usage:
  xoauth2-proxy-admin migrate <subcommand> [--config config.toml] [--db path]

Subcommands:
  up        Apply all pending migrations
  version   Show the current migration version and dirty state
`)
}
