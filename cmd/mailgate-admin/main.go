package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	command := os.Args[1]

	switch command {
	case "tenant":
		handleTenantCommand(ctx)
	case "rule":
		handleRuleCommand(ctx)
	case "message":
		handleMessageCommand(ctx)
	case "stats":
		handleStats(ctx)
	case "migrate":
		handleMigrateCommand(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`MAILGATE Admin Tool

Usage:
  mailgate-admin <command> [options]

Commands:
  tenant    Manage tenants (list, show, create, update, delete)
  rule      Manage classification rules (list, show, create, update, delete)
  message   Inspect stored messages (list, show)
  stats     Show message counts and queue depth
  migrate   Manage the database schema (up, down, version, force)
  help      Show this help message

Examples:
  mailgate-admin tenant create --name acme --domains acme.com,acme.org
  mailgate-admin rule list
  mailgate-admin message list --status failed --limit 20
  mailgate-admin stats
  mailgate-admin migrate up

Use 'mailgate-admin <command> --help' for more information about a command.
`)
}
