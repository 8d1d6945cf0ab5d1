package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Will-gabia/mailgate/db"
)

func handleMessageCommand(ctx context.Context) {
	switch requireSubcommand(printMessageUsage) {
	case "list":
		handleMessageList(ctx)
	case "show":
		handleMessageShow(ctx)
	default:
		fmt.Printf("Unknown message subcommand: %s\n\n", os.Args[2])
		printMessageUsage()
		os.Exit(1)
	}
}

func printMessageUsage() {
	fmt.Printf(`Inspect stored messages

Usage:
  mailgate-admin message <subcommand> [options]

Subcommands:
  list      List recent messages, newest first
  show      Show a single message with its attachments and forward logs

Examples:
  mailgate-admin message list
  mailgate-admin message list --status failed --limit 20
  mailgate-admin message list --tenant-id 3
  mailgate-admin message show --id 42
`)
}

func handleMessageList(ctx context.Context) {
	fs := flag.NewFlagSet("message list", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	status := fs.String("status", "", "Filter by status (received, classified, forwarded, archived, failed)")
	tenantID := fs.Int64("tenant-id", 0, "Filter by tenant ID")
	limit := fs.Int("limit", 50, "Maximum number of messages to list")
	offset := fs.Int("offset", 0, "Number of messages to skip")
	overrides := registerDBFlags(fs)
	fs.Parse(os.Args[3:])

	cfg := loadAdminConfig(fs, *configPath, overrides)
	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	var tenantFilter *int64
	if *tenantID != 0 {
		tenantFilter = tenantID
	}

	messages, err := database.ListRecentMessages(ctx, *status, tenantFilter, *limit, *offset)
	if err != nil {
		log.Fatalf("Failed to list messages: %v", err)
	}

	for _, m := range messages {
		printMessageSummary(m)
	}
	fmt.Printf("Total messages listed: %d\n", len(messages))
}

func handleMessageShow(ctx context.Context) {
	fs := flag.NewFlagSet("message show", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	id := fs.Int64("id", 0, "Message ID (required)")
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

	m, err := database.GetMessage(ctx, *id)
	if err != nil {
		log.Fatalf("Failed to get message: %v", err)
	}

	printMessageSummary(m)
	if m.Subject != "" {
		fmt.Printf("    Subject:  %s\n", m.Subject)
	}
	if m.MessageID != "" {
		fmt.Printf("    Msg-ID:   %s\n", m.MessageID)
	}
	if m.Category != "" {
		fmt.Printf("    Category: %s (rule: %s)\n", m.Category, m.MatchedRule)
	}
	if m.DKIMResult != "" || m.SPFResult != "" {
		fmt.Printf("    Auth:     dkim=%s spf=%s\n", m.DKIMResult, m.SPFResult)
	}

	attachments, err := database.ListAttachments(ctx, *id)
	if err != nil {
		log.Fatalf("Failed to list attachments: %v", err)
	}
	if len(attachments) > 0 {
		fmt.Printf("\n  Attachments:\n")
		for _, a := range attachments {
			fmt.Printf("    [%d] %s (%s, %d bytes) %s\n", a.Index, a.Filename, a.ContentType, a.Size, a.Location)
		}
	}

	logs, err := database.ListForwardLogs(ctx, *id)
	if err != nil {
		log.Fatalf("Failed to list forward logs: %v", err)
	}
	if len(logs) > 0 {
		fmt.Printf("\n  Forward deliveries:\n")
		for _, fl := range logs {
			fmt.Printf("    [%d] %s: %s (attempts: %d)\n", fl.ID, fl.Recipient, fl.Status, fl.Attempts)
			if fl.SMTPResponse != "" {
				fmt.Printf("        Response: %s\n", fl.SMTPResponse)
			}
			if fl.LastError != "" {
				fmt.Printf("        Error:    %s\n", fl.LastError)
			}
			if fl.NextRetryAt != nil {
				fmt.Printf("        Retry at: %s\n", fl.NextRetryAt.Format("2006-01-02 15:04:05"))
			}
		}
	}
}

func printMessageSummary(m *db.Message) {
	tenant := "-"
	if m.TenantID != nil {
		tenant = fmt.Sprintf("%d", *m.TenantID)
	}
	fmt.Printf("  [%d] %s  %s -> %s\n", m.ID, m.Status, m.Sender, m.Recipients)
	fmt.Printf("    Tenant: %s  Size: %d  Received: %s\n", tenant, m.Size, m.CreatedAt.Format("2006-01-02 15:04:05"))
}
