// Package testutils provides shared helpers for integration tests:
// database setup against a local PostgreSQL and fixture creation.
package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/Will-gabia/mailgate/config"
	"github.com/Will-gabia/mailgate/db"
)

// TestDatabase wraps a live database connection for integration tests.
type TestDatabase struct {
	*db.Database
}

// SetupTestDatabase connects to the test database described by
// config-test.toml (searched upward from the working directory, falling
// back to local defaults) and applies migrations. Skipped in -short mode.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	ctx := context.Background()
	dbCfg := config.DatabaseConfig{
		Host: "localhost",
		Port: "5432",
		User: "mailgate",
		Name: "mailgate_test",
	}

	if configPath, err := findTestConfig(); err == nil {
		var cfg config.Config
		_, err = toml.DecodeFile(configPath, &cfg)
		require.NoError(t, err, "Failed to parse %s", configPath)
		dbCfg = cfg.Database
	}

	database, err := db.NewDatabase(ctx, &dbCfg)
	require.NoError(t, err, "Failed to connect to test database %q. Is PostgreSQL running?", dbCfg.Name)

	return &TestDatabase{Database: database}
}

// findTestConfig walks up the directory tree to find config-test.toml.
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// Cleanup closes the database connection.
func (td *TestDatabase) Cleanup(t *testing.T) {
	if td.Database != nil {
		td.Database.Close()
	}
}

// TruncateAllTables wipes test data in dependency order.
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	ctx := context.Background()
	tables := []string{
		"processing_jobs",
		"forward_logs",
		"attachments",
		"messages",
		"classification_rules",
		"tenants",
	}
	for _, table := range tables {
		_, err := td.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}

// CreateTestTenant creates a tenant fixture and returns its ID.
func (td *TestDatabase) CreateTestTenant(t *testing.T, name string, domains []string) int64 {
	tenant, err := td.Database.CreateTenant(context.Background(), name, domains, true, nil)
	require.NoError(t, err)
	return tenant.ID
}

// CreateTestMessage inserts a raw message fixture in status received and
// returns its ID.
func (td *TestDatabase) CreateTestMessage(t *testing.T, sender, recipients string, raw []byte) int64 {
	id, err := td.Database.InsertMessage(context.Background(), &db.InsertMessageOptions{
		Sender:     sender,
		Recipients: recipients,
		SourceIP:   "127.0.0.1",
		Raw:        raw,
	})
	require.NoError(t, err)
	return id
}
