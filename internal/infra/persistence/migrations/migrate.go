// Package migrations runs golang-migrate against the storefront Postgres schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/mzlad1/mirabeauty-sub001/db/migrations"
	"github.com/mzlad1/mirabeauty-sub001/internal/infra/telemetry"
)

const embeddedLabel = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the database reachable via dsn up to the latest migration.
// An empty migrationsDir uses the migrations embedded in the binary. A nil
// logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	return run(ctx, dsn, migrationsDir, logger, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive")
	}
	return run(ctx, dsn, migrationsDir, logger, "down", func(m *migrate.Migrate) error {
		return m.Steps(-steps)
	})
}

func run(ctx context.Context, dsn, migrationsDir string, logger *log.Logger, direction string, step func(*migrate.Migrate) error) error {
	src, label, err := openSource(migrationsDir)
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.Printf("database migrations close: %v", cerr)
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		_ = src.Close()
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("storefront", src, "pgx5", driver)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}()

	if logger != nil {
		logger.Printf("running database migrations: direction=%s source=%s", direction, label)
	}

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, direction, "noop", label)
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, direction, "failed", label)
		return fmt.Errorf("apply migrations: %w", err)
	}

	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, direction, "applied", label)
	return nil
}

func openSource(dir string) (source.Driver, string, error) {
	if strings.TrimSpace(dir) == "" {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, "", fmt.Errorf("open embedded migrations: %w", err)
		}
		return src, embeddedLabel, nil
	}
	resolved, err := resolveDir(dir)
	if err != nil {
		return nil, "", err
	}
	src, err := source.Open(fileURL(resolved))
	if err != nil {
		return nil, "", fmt.Errorf("open migrations directory: %w", err)
	}
	return src, resolved, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result, path string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("storefront.db.migrations",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, telemetry.Attrs(
		telemetry.AttrOperation.String(direction),
		telemetry.AttrResult.String(result),
		telemetry.AttrBackend.String(path),
	))
}
