package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Will-gabia/mailgate/consts"
)

func handleStats(ctx context.Context) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	overrides := registerDBFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: mailgate-admin stats [--config config.toml]")
		fmt.Println("Shows message counts by status, the job queue depth and the retry backlog.")
	}
	fs.Parse(os.Args[2:])

	cfg := loadAdminConfig(fs, *configPath, overrides)
	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	counts, err := database.CountMessagesByStatus(ctx)
	if err != nil {
		log.Fatalf("Failed to count messages: %v", err)
	}
	depth, err := database.QueueDepth(ctx, cfg.Worker.MaxAttempts)
	if err != nil {
		log.Fatalf("Failed to read queue depth: %v", err)
	}
	backlog, err := database.CountRetryBacklog(ctx, cfg.Retry.MaxAttempts)
	if err != nil {
		log.Fatalf("Failed to read retry backlog: %v", err)
	}

	fmt.Printf("Messages by status:\n")
	for _, status := range []string{
		consts.StatusReceived,
		consts.StatusClassified,
		consts.StatusForwarded,
		consts.StatusArchived,
		consts.StatusFailed,
	} {
		fmt.Printf("  %-12s %d\n", status, counts[status])
	}
	fmt.Printf("\nPending jobs:   %d\n", depth)
	fmt.Printf("Retry backlog:  %d\n", backlog)
}
