package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/Will-gabia/mailgate/config"
	"github.com/Will-gabia/mailgate/db"
)

// dbOverrides holds command-line overrides for the database section of the
// configuration file, registered on every subcommand's flag set.
type dbOverrides struct {
	host     *string
	port     *string
	user     *string
	password *string
	name     *string
	tls      *bool
}

func registerDBFlags(flagSet *flag.FlagSet) *dbOverrides {
	return &dbOverrides{
		host:     flagSet.String("dbhost", "", "Database host (overrides config)"),
		port:     flagSet.String("dbport", "", "Database port (overrides config)"),
		user:     flagSet.String("dbuser", "", "Database user (overrides config)"),
		password: flagSet.String("dbpassword", "", "Database password (overrides config)"),
		name:     flagSet.String("dbname", "", "Database name (overrides config)"),
		tls:      flagSet.Bool("dbtls", false, "Enable TLS for database connection (overrides config)"),
	}
}

func (o *dbOverrides) apply(flagSet *flag.FlagSet, cfg *config.DatabaseConfig) {
	if isFlagSet(flagSet, "dbhost") {
		cfg.Host = *o.host
	}
	if isFlagSet(flagSet, "dbport") {
		cfg.Port = *o.port
	}
	if isFlagSet(flagSet, "dbuser") {
		cfg.User = *o.user
	}
	if isFlagSet(flagSet, "dbpassword") {
		cfg.Password = *o.password
	}
	if isFlagSet(flagSet, "dbname") {
		cfg.Name = *o.name
	}
	if isFlagSet(flagSet, "dbtls") {
		cfg.TLSMode = *o.tls
	}
}

// loadAdminConfig loads the configuration file and applies database flag
// overrides. A missing default config file is tolerated, a missing
// explicitly-given one is fatal.
func loadAdminConfig(flagSet *flag.FlagSet, configPath string, overrides *dbOverrides) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.Load(configPath, &cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if isFlagSet(flagSet, "config") {
				log.Fatalf("ERROR: specified configuration file '%s' not found: %v", configPath, err)
			}
			log.Printf("WARNING: default configuration file '%s' not found. Using defaults and command-line flags.", configPath)
		} else {
			log.Fatalf("FATAL: error loading configuration file '%s': %v", configPath, err)
		}
	}
	overrides.apply(flagSet, &cfg.Database)
	return cfg
}

// openDatabase connects without running migrations. Schema changes go
// through the explicit 'migrate' command only.
func openDatabase(ctx context.Context, cfg *config.Config) (*db.Database, error) {
	database, err := db.NewDatabaseWithoutMigrations(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

// Helper function to check if a flag was explicitly set
func isFlagSet(flagSet *flag.FlagSet, name string) bool {
	isSet := false
	flagSet.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}

func requireSubcommand(usage func()) string {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}
	sub := os.Args[2]
	if sub == "help" || sub == "--help" || sub == "-h" {
		usage()
		os.Exit(0)
	}
	return sub
}
