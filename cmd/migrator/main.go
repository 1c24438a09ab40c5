package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/config"
	"github.com/lalithlochan/retain/internal/db"
	"github.com/lalithlochan/retain/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dryRun := flag.Bool("dry-run", false, "list pending migrations without applying them")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// DATABASE_URL wins over the DB_* variables the gateway uses.
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}.DSN()
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	ctx := context.Background()

	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "retain-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	m := &migrator{pool: pool, dir: migrationsDir, logger: logger}

	if err := m.ensureSchemaTable(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	pending, err := m.pending(ctx)
	if err != nil {
		return err
	}

	if *dryRun {
		for _, name := range pending {
			logger.Info("pending migration", zap.String("name", name))
		}
		logger.Info("dry run complete", zap.Int("pending", len(pending)))
		return nil
	}

	for _, name := range pending {
		if err := m.apply(ctx, name); err != nil {
			return err
		}
	}

	logger.Info("migrations complete", zap.Int("applied", len(pending)))
	return nil
}

type migrator struct {
	pool   *pgxpool.Pool
	dir    string
	logger *zap.Logger
}

func (m *migrator) ensureSchemaTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

// pending lists *.up.sql files not yet recorded in schema_migrations, in name order.
func (m *migrator) pending(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", m.dir, err)
	}

	rows, err := m.pool.Query(ctx, "SELECT name FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	applied, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		if done[name] {
			m.logger.Debug("skip migration, already applied", zap.String("name", name))
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// apply runs one migration and records it in the same transaction.
func (m *migrator) apply(ctx context.Context, name string) error {
	contents, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	m.logger.Info("applying migration", zap.String("name", name))
	start := time.Now()

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("execute %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name); err != nil {
		return fmt.Errorf("mark applied %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}

	m.logger.Info("applied migration",
		zap.String("name", name),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)),
	)
	return nil
}
