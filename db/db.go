// Package db is the Postgres storage layer: messages, tenants,
// classification rules, attachments, forward logs, and the durable
// processing job queue all live here.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Will-gabia/mailgate/config"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/metrics"
)

//go:embed migrations
var MigrationsFS embed.FS

type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase opens a pgx connection pool from configuration, verifies
// connectivity, and applies any pending schema migrations.
func NewDatabase(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	pool, err := newPool(ctx, dbConfig)
	if err != nil {
		return nil, err
	}

	db := &Database{Pool: pool}
	if err := db.runMigrations(ctx, dbConfig); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// NewDatabaseWithoutMigrations opens the pool but leaves the schema alone.
// The admin tool manages migrations explicitly.
func NewDatabaseWithoutMigrations(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	pool, err := newPool(ctx, dbConfig)
	if err != nil {
		return nil, err
	}
	return &Database{Pool: pool}, nil
}

func newPool(ctx context.Context, dbConfig *config.DatabaseConfig) (*pgxpool.Pool, error) {
	connString := dbConfig.ConnString()
	logger.Infof("[DB] connecting to postgres://%s@%s:%s/%s", dbConfig.User, dbConfig.Host, dbConfig.Port, dbConfig.Name)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if dbConfig.MaxConns > 0 {
		poolConfig.MaxConns = int32(dbConfig.MaxConns)
	}
	if dbConfig.MinConns > 0 {
		poolConfig.MinConns = int32(dbConfig.MinConns)
	}
	if lifetime, err := dbConfig.GetMaxConnLifetime(); err == nil {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idle, err := dbConfig.GetMaxConnIdleTime(); err == nil {
		poolConfig.MaxConnIdleTime = idle
	}
	if dbConfig.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	return pool, nil
}

func (d *Database) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// StartPoolMetrics periodically publishes connection pool gauges until the
// context is cancelled.
func (d *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := d.Pool.Stat()
				metrics.DBPoolTotalConns.Set(float64(stats.TotalConns()))
				metrics.DBPoolIdleConns.Set(float64(stats.IdleConns()))
				metrics.DBPoolInUseConns.Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

// runMigrations applies all pending migrations from the embedded FS. It
// shares the migration source with the admin tool; here failures are fatal
// for startup since the server cannot run against an older schema.
func (d *Database) runMigrations(ctx context.Context, dbConfig *config.DatabaseConfig) error {
	sqlDB, err := sql.Open("pgx", dbConfig.ConnString())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer sqlDB.Close()
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database for migrations: %w", err)
	}

	m, err := NewMigrator(sqlDB)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// NewMigrator builds a migrate instance over the embedded migrations and
// the given connection. Shared by startup migration and the admin tool.
func NewMigrator(sqlDB *sql.DB) (*migrate.Migrate, error) {
	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool { return false }

// queryTracer logs every statement when [database] log_queries is set.
type queryTracer struct{}

type traceQueryKey struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debugf("[DB] query: %s args: %v", data.SQL, data.Args)
	return context.WithValue(ctx, traceQueryKey{}, time.Now())
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	if start, ok := ctx.Value(traceQueryKey{}).(time.Time); ok {
		logger.Debugf("[DB] query done in %s err=%v", time.Since(start), data.Err)
	}
}

// observe records one query against the metrics collectors.
func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "error"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// isUniqueViolation reports whether err is a Postgres 23505 error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapNotFound converts pgx.ErrNoRows into the given sentinel.
func mapNotFound(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}
