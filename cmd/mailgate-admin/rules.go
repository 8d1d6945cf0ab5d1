package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
)

func handleRuleCommand(ctx context.Context) {
	switch requireSubcommand(printRuleUsage) {
	case "list":
		handleRuleList(ctx)
	case "show":
		handleRuleShow(ctx)
	case "create":
		handleRuleCreate(ctx)
	case "update":
		handleRuleUpdate(ctx)
	case "delete":
		handleRuleDelete(ctx)
	default:
		fmt.Printf("Unknown rule subcommand: %s\n\n", os.Args[2])
		printRuleUsage()
		os.Exit(1)
	}
}

func printRuleUsage() {
	fmt.Printf(`Manage classification rules

Usage:
  mailgate-admin rule <subcommand> [options]

Subcommands:
  list      List all rules in evaluation order
  show      Show a single rule
  create    Create a new rule
  update    Update an existing rule
  delete    Delete a rule

Conditions are a JSON array of objects with "field", "operator" and "value",
for example: '[{"field":"subject","operator":"contains","value":"invoice"}]'

Examples:
  mailgate-admin rule list
  mailgate-admin rule create --name invoices --action forward --forward-to billing@corp.example \
      --conditions '[{"field":"subject","operator":"contains","value":"invoice"}]'
  mailgate-admin rule create --name junk --action archive --match-mode any --priority 10 \
      --conditions '[{"field":"sender","operator":"endsWith","value":"@spam.example"}]'
  mailgate-admin rule update --id 4 --disabled
  mailgate-admin rule delete --id 4
`)
}

func handleRuleList(ctx context.Context) {
	fs := flag.NewFlagSet("rule list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	overrides := registerDBFlags(fs)
	fs.Parse(os.Args[3:])

	cfg := loadAdminConfig(fs, *configPath, overrides)
	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	rules, err := database.ListRules(ctx)
	if err != nil {
		log.Fatalf("Failed to list rules: %v", err)
	}

	for _, r := range rules {
		printRule(r)
	}
	fmt.Printf("Total rules: %d\n", len(rules))
}

func handleRuleShow(ctx context.Context) {
	fs := flag.NewFlagSet("rule show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Rule ID (required)")
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

	rule, err := database.GetRule(ctx, *id)
	if err != nil {
		log.Fatalf("Failed to get rule: %v", err)
	}
	printRule(rule)
}

func handleRuleCreate(ctx context.Context) {
	fs := flag.NewFlagSet("rule create", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Rule name (required)")
	tenantID := fs.Int64("tenant-id", 0, "Owning tenant ID, 0 for a global rule")
	priority := fs.Int("priority", 0, "Evaluation priority, higher first")
	matchMode := fs.String("match-mode", consts.MatchModeAll, "Condition match mode: all or any")
	conditions := fs.String("conditions", "[]", "Rule conditions as a JSON array")
	action := fs.String("action", "", "Rule action: forward, log, archive or reject (required)")
	forwardTo := fs.String("forward-to", "", "Comma-separated forward targets (required for forward)")
	category := fs.String("category", "", "Category tag applied to matched messages")
	disabled := fs.Bool("disabled", false, "Create the rule disabled")
	overrides := registerDBFlags(fs)
	fs.Parse(os.Args[3:])

	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *action == "" {
		fmt.Printf("Error: --action is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	input := &db.RuleInput{
		Name:       *name,
		Priority:   *priority,
		Enabled:    !*disabled,
		MatchMode:  *matchMode,
		Conditions: json.RawMessage(*conditions),
		Action:     *action,
		ForwardTo:  *forwardTo,
		Category:   *category,
	}
	if *tenantID != 0 {
		input.TenantID = tenantID
	}
	if !json.Valid(input.Conditions) {
		log.Fatalf("Invalid --conditions: not valid JSON")
	}
	if err := input.Validate(); err != nil {
		log.Fatalf("Invalid rule: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath, overrides)
	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	rule, err := database.CreateRule(ctx, input)
	if err != nil {
		log.Fatalf("Failed to create rule: %v", err)
	}
	fmt.Printf("Successfully created rule %d: %s\n", rule.ID, rule.Name)
}

func handleRuleUpdate(ctx context.Context) {
	fs := flag.NewFlagSet("rule update", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Rule ID (required)")
	name := fs.String("name", "", "New rule name")
	priority := fs.Int("priority", 0, "New evaluation priority")
	matchMode := fs.String("match-mode", "", "New match mode: all or any")
	conditions := fs.String("conditions", "", "New conditions as a JSON array")
	action := fs.String("action", "", "New action")
	forwardTo := fs.String("forward-to", "", "New comma-separated forward targets")
	category := fs.String("category", "", "New category tag")
	enabled := fs.Bool("enabled", false, "Enable the rule")
	disabled := fs.Bool("disabled", false, "Disable the rule")
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

	rule, err := database.GetRule(ctx, *id)
	if err != nil {
		log.Fatalf("Failed to get rule: %v", err)
	}

	input := &db.RuleInput{
		TenantID:   rule.TenantID,
		Name:       rule.Name,
		Priority:   rule.Priority,
		Enabled:    rule.Enabled,
		MatchMode:  rule.MatchMode,
		Conditions: rule.Conditions,
		Action:     rule.Action,
		ForwardTo:  rule.ForwardTo,
		Category:   rule.Category,
	}
	if isFlagSet(fs, "name") {
		input.Name = *name
	}
	if isFlagSet(fs, "priority") {
		input.Priority = *priority
	}
	if isFlagSet(fs, "match-mode") {
		input.MatchMode = *matchMode
	}
	if isFlagSet(fs, "conditions") {
		if !json.Valid(json.RawMessage(*conditions)) {
			log.Fatalf("Invalid --conditions: not valid JSON")
		}
		input.Conditions = json.RawMessage(*conditions)
	}
	if isFlagSet(fs, "action") {
		input.Action = *action
	}
	if isFlagSet(fs, "forward-to") {
		input.ForwardTo = *forwardTo
	}
	if isFlagSet(fs, "category") {
		input.Category = *category
	}
	if *enabled {
		input.Enabled = true
	}
	if *disabled {
		input.Enabled = false
	}
	if err := input.Validate(); err != nil {
		log.Fatalf("Invalid rule: %v", err)
	}

	updated, err := database.UpdateRule(ctx, *id, input)
	if err != nil {
		log.Fatalf("Failed to update rule: %v", err)
	}
	fmt.Printf("Successfully updated rule %d\n", updated.ID)
	printRule(updated)
}

func handleRuleDelete(ctx context.Context) {
	fs := flag.NewFlagSet("rule delete", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Rule ID (required)")
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

	if err := database.DeleteRule(ctx, *id); err != nil {
		log.Fatalf("Failed to delete rule: %v", err)
	}
	fmt.Printf("Successfully deleted rule %d\n", *id)
}

func printRule(r *db.Rule) {
	state := "enabled"
	if !r.Enabled {
		state = "disabled"
	}
	scope := "global"
	if r.TenantID != nil {
		scope = fmt.Sprintf("tenant %d", *r.TenantID)
	}
	fmt.Printf("  [%d] %s (%s, %s, priority %d)\n", r.ID, r.Name, state, scope, r.Priority)
	fmt.Printf("    Action:     %s", r.Action)
	if r.ForwardTo != "" {
		fmt.Printf(" -> %s", r.ForwardTo)
	}
	fmt.Printf("\n")
	if r.Category != "" {
		fmt.Printf("    Category:   %s\n", r.Category)
	}
	fmt.Printf("    Match mode: %s\n", r.MatchMode)
	fmt.Printf("    Conditions: %s\n", string(r.Conditions))
	fmt.Printf("\n")
}
