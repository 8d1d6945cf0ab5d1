package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/helpers"
)

func handleTenantCommand(ctx context.Context) {
	switch requireSubcommand(printTenantUsage) {
	case "list":
		handleTenantList(ctx)
	case "show":
		handleTenantShow(ctx)
	case "create":
		handleTenantCreate(ctx)
	case "update":
		handleTenantUpdate(ctx)
	case "delete":
		handleTenantDelete(ctx)
	default:
		fmt.Printf("Unknown tenant subcommand: %s\n\n", os.Args[2])
		printTenantUsage()
		os.Exit(1)
	}
}

func printTenantUsage() {
	fmt.Printf(`Manage tenants

Usage:
  mailgate-admin tenant <subcommand> [options]

Subcommands:
  list      List all tenants
  show      Show a single tenant
  create    Create a new tenant
  update    Update an existing tenant
  delete    Delete a tenant

Examples:
  mailgate-admin tenant list
  mailgate-admin tenant create --name acme --domains acme.com,acme.org
  mailgate-admin tenant create --name bulk --domains bulk.example --max-size 5MB
  mailgate-admin tenant update --id 3 --disabled
  mailgate-admin tenant delete --id 3
`)
}

func handleTenantList(ctx context.Context) {
	fs := flag.NewFlagSet("tenant list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	overrides := registerDBFlags(fs)
	fs.Parse(os.Args[3:])

	cfg := loadAdminConfig(fs, *configPath, overrides)
	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	tenants, err := database.ListTenants(ctx)
	if err != nil {
		log.Fatalf("Failed to list tenants: %v", err)
	}

	for _, t := range tenants {
		printTenant(t)
	}
	fmt.Printf("Total tenants: %d\n", len(tenants))
}

func handleTenantShow(ctx context.Context) {
	fs := flag.NewFlagSet("tenant show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Tenant ID (required)")
	overrides := registerDBFlags(fs)
	fs.Parse(os.Args[3:])

	if *id == 0 {
		fmt.Printf("Error: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath, overrides)
	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	tenant, err := database.GetTenant(ctx, *id)
	if err != nil {
		log.Fatalf("Failed to get tenant: %v", err)
	}
	printTenant(tenant)
}

func handleTenantCreate(ctx context.Context) {
	fs := flag.NewFlagSet("tenant create", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Tenant name (required)")
	domains := fs.String("domains", "", "Comma-separated list of recipient domains")
	disabled := fs.Bool("disabled", false, "Create the tenant disabled")
	maxSize := fs.String("max-size", "", "Per-tenant message size ceiling (e.g. 5MB), empty for the global limit")
	overrides := registerDBFlags(fs)
	fs.Parse(os.Args[3:])

	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	var sizeLimit *int64
	if *maxSize != "" {
		n, err := helpers.ParseSize(*maxSize)
		if err != nil {
			log.Fatalf("Invalid --max-size: %v", err)
		}
		sizeLimit = &n
	}

	cfg := loadAdminConfig(fs, *configPath, overrides)
	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	tenant, err := database.CreateTenant(ctx, *name, splitDomains(*domains), !*disabled, sizeLimit)
	if err != nil {
		log.Fatalf("Failed to create tenant: %v", err)
	}
	fmt.Printf("Successfully created tenant %d: %s\n", tenant.ID, tenant.Name)
}

func handleTenantUpdate(ctx context.Context) {
	fs := flag.NewFlagSet("tenant update", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Tenant ID (required)")
	name := fs.String("name", "", "New tenant name")
	domains := fs.String("domains", "", "New comma-separated list of recipient domains")
	enabled := fs.Bool("enabled", false, "Enable the tenant")
	disabled := fs.Bool("disabled", false, "Disable the tenant")
	maxSize := fs.String("max-size", "", "New message size ceiling (e.g. 5MB), 'none' to clear")
	overrides := registerDBFlags(fs)
	fs.Parse(os.Args[3:])

	if *id == 0 {
		fmt.Printf("Error: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *enabled && *disabled {
		fmt.Printf("Error: --enabled and --disabled are mutually exclusive\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath, overrides)
	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Start from the stored row so unset flags keep their current values.
	tenant, err := database.GetTenant(ctx, *id)
	if err != nil {
		log.Fatalf("Failed to get tenant: %v", err)
	}

	if isFlagSet(fs, "name") {
		tenant.Name = *name
	}
	if isFlagSet(fs, "domains") {
		tenant.Domains = splitDomains(*domains)
	}
	if *enabled {
		tenant.Enabled = true
	}
	if *disabled {
		tenant.Enabled = false
	}
	if isFlagSet(fs, "max-size") {
		if *maxSize == "none" {
			tenant.MaxMessageSize = nil
		} else {
			n, err := helpers.ParseSize(*maxSize)
			if err != nil {
				log.Fatalf("Invalid --max-size: %v", err)
			}
			tenant.MaxMessageSize = &n
		}
	}

	updated, err := database.UpdateTenant(ctx, tenant.ID, tenant.Name, tenant.Domains, tenant.Enabled, tenant.MaxMessageSize)
	if err != nil {
		log.Fatalf("Failed to update tenant: %v", err)
	}
	fmt.Printf("Successfully updated tenant %d\n", updated.ID)
	printTenant(updated)
}

func handleTenantDelete(ctx context.Context) {
	fs := flag.NewFlagSet("tenant delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Tenant ID (required)")
	overrides := registerDBFlags(fs)
	fs.Parse(os.Args[3:])

	if *id == 0 {
		fmt.Printf("Error: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath, overrides)
	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.DeleteTenant(ctx, *id); err != nil {
		log.Fatalf("Failed to delete tenant: %v", err)
	}
	fmt.Printf("Successfully deleted tenant %d\n", *id)
}

func printTenant(t *db.Tenant) {
	state := "enabled"
	if !t.Enabled {
		state = "disabled"
	}
	sizeLimit := "global default"
	if t.MaxMessageSize != nil {
		sizeLimit = fmt.Sprintf("%d bytes", *t.MaxMessageSize)
	}
	fmt.Printf("  [%d] %s (%s)\n", t.ID, t.Name, state)
	fmt.Printf("    Domains:  %s\n", strings.Join(t.Domains, ", "))
	fmt.Printf("    Max size: %s\n", sizeLimit)
	fmt.Printf("    Created:  %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("\n")
}

func splitDomains(s string) []string {
	var out []string
	for _, d := range strings.Split(s, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
