package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/logger"
)

func handleMigrateCommand(ctx context.Context) {
	switch requireSubcommand(printMigrateUsage) {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", os.Args[2])
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

This command should be run while the main 'mailgate' server is stopped to
prevent schema conflicts. It uses a database lock to ensure safety.

Usage:
  mailgate-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  mailgate-admin migrate up
  mailgate-admin migrate down --limit 2
  mailgate-admin migrate down --all
  mailgate-admin migrate version
  mailgate-admin migrate force 1

Use 'mailgate-admin migrate <subcommand> --help' for detailed help.
`)
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	overrides := registerDBFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: mailgate-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	m, sqlDB, err := getMigrateInstance(ctx, fs, *configPath, overrides)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer releaseExclusiveLock(context.Background(), sqlDB)

	logger.Info("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully.")
	showMigrationVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	overrides := registerDBFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: mailgate-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	m, sqlDB, err := getMigrateInstance(ctx, fs, *configPath, overrides)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer releaseExclusiveLock(context.Background(), sqlDB)

	if *all {
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("No migrations to revert.")
				showMigrationVersion(m)
				return
			}
			logger.Fatalf("Failed to get current migration version: %v", err)
		}
		if dirty {
			logger.Fatalf("Database is in a dirty state (version %d). Please fix manually with 'force' command.", version)
		}

		logger.Infof("Reverting all %d migration(s)...", version)
		if err := m.Steps(-int(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatalf("Failed to revert all migrations: %v", err)
		}
	} else {
		logger.Infof("Reverting %d migration(s)...", *limit)
		if err := m.Steps(-(*limit)); err != nil {
			logger.Fatalf("Failed to revert migrations: %v", err)
		}
	}
	logger.Info("Migrations reverted successfully.")
	showMigrationVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	overrides := registerDBFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: mailgate-admin migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	fs.Parse(os.Args[3:])

	m, sqlDB, err := getMigrateInstance(ctx, fs, *configPath, overrides)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	showMigrationVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	overrides := registerDBFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: mailgate-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	m, sqlDB, err := getMigrateInstance(ctx, fs, *configPath, overrides)
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		logger.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer releaseExclusiveLock(context.Background(), sqlDB)

	logger.Infof("Forcing database version to %d...", version)
	if err := m.Force(version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	logger.Info("Version forced successfully.")
	showMigrationVersion(m)
}

func getMigrateInstance(ctx context.Context, flagSet *flag.FlagSet, configPath string, overrides *dbOverrides) (*migrate.Migrate, *sql.DB, error) {
	cfg := loadAdminConfig(flagSet, configPath, overrides)

	sqlDB, err := sql.Open("pgx", cfg.Database.ConnString())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m, err := db.NewMigrator(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return m, sqlDB, nil
}

func acquireExclusiveLock(ctx context.Context, sqlDB *sql.DB) error {
	var lockAcquired bool
	// A short timeout so a held lock surfaces quickly instead of hanging.
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.MigrateAdvisoryLockID).Scan(&lockAcquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}

	if !lockAcquired {
		return fmt.Errorf("could not acquire exclusive database lock. Is a mailgate instance already running?")
	}

	logger.Info("Acquired exclusive database lock for migration.")
	return nil
}

func releaseExclusiveLock(ctx context.Context, sqlDB *sql.DB) {
	var unlocked bool
	// The caller passes a background context since the main one may be done.
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := sqlDB.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.MigrateAdvisoryLockID).Scan(&unlocked)
	if err != nil {
		logger.Infof("WARN: failed to release advisory lock after migration: %v", err)
	} else if unlocked {
		logger.Info("Released exclusive database lock.")
	} else {
		logger.Infof("WARN: pg_advisory_unlock reported lock was not held at time of release.")
	}
}

func showMigrationVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("Current migration version: none")
			return
		}
		logger.Infof("Failed to get migration version: %v", err)
		return
	}

	logger.Infof("Current migration version: %d", version)
	if dirty {
		logger.Info("Dirty state: YES (Database may be in an inconsistent state. Use 'force' to fix.)")
	} else {
		logger.Info("Dirty state: no")
	}
}
