// Package store provides alert persistence for audit/metrics and the
// dedup cache used to suppress repeat alerts. Persistence is backed by
// SQLite; when the database is unavailable the store runs in a degraded
// in-memory mode so dispatch keeps working without durability.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/klaxonhq/klaxon/internal/config"
	"github.com/klaxonhq/klaxon/pkg/models"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// memoryLimit bounds how many alerts and results the degraded in-memory
// mode retains.
const memoryLimit = 1000

// Store persists alerts and dispatch results. It uses separate read and
// write connections to play well with SQLite's WAL mode: many concurrent
// readers, one serialized writer.
type Store struct {
	readDB  *sql.DB
	writeDB *sql.DB
	log     *slog.Logger

	// In-memory retention, used only when the database is unavailable.
	mu      sync.Mutex
	alerts  []*models.Alert
	results []*models.DispatchResult
}

// Options holds configuration for creating a new Store.
type Options struct {
	Logger *slog.Logger
	Config config.SQLiteConfig
}

// New opens the SQLite database, runs migrations, and returns a durable
// store. Callers that receive an error should fall back to NewMemory.
func New(opts Options) (*Store, error) {
	log := opts.Logger.With("component", "store")

	if err := setupAndRunMigrations(opts.Config.Path, log); err != nil {
		return nil, err
	}

	readDB, err := sql.Open("sqlite", opts.Config.Path)
	if err != nil {
		return nil, fmt.Errorf("error opening read database: %w", err)
	}
	readDB.SetMaxOpenConns(25)
	readDB.SetMaxIdleConns(10)
	readDB.SetConnMaxLifetime(30 * time.Minute)

	if err := setPragmas(readDB); err != nil {
		readDB.Close()
		return nil, fmt.Errorf("error setting pragmas on read database: %w", err)
	}

	// _txlock=immediate acquires the write lock up front, preventing
	// deadlocks when goroutines compete for writes.
	writeDB, err := sql.Open("sqlite", opts.Config.Path+"?_txlock=immediate")
	if err != nil {
		readDB.Close()
		return nil, fmt.Errorf("error opening write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)

	if err := setPragmas(writeDB); err != nil {
		readDB.Close()
		writeDB.Close()
		return nil, fmt.Errorf("error setting pragmas on write database: %w", err)
	}

	log.Debug("sqlite initialized with read/write separation", "path", opts.Config.Path)

	return &Store{readDB: readDB, writeDB: writeDB, log: log}, nil
}

// NewMemory returns a store with no durability. Alerts and results are
// retained in a bounded in-memory buffer for the audit endpoints.
func NewMemory(logger *slog.Logger) *Store {
	return &Store{log: logger.With("component", "store", "mode", "memory")}
}

// Durable reports whether writes reach stable storage. Dispatch uses this
// to distinguish a hard persistence failure from degraded operation.
func (s *Store) Durable() bool {
	return s.writeDB != nil
}

// Close releases database connections. It is a no-op for memory stores.
func (s *Store) Close() error {
	var errs []error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setupAndRunMigrations(dsn string, log *slog.Logger) error {
	migrationDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("error opening migration database: %w", err)
	}
	defer migrationDB.Close()

	if _, err := migrationDB.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("error setting busy_timeout on migration database: %w", err)
	}

	migrationFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("error creating migrations filesystem: %w", err)
	}
	sourceDriver, err := iofs.New(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("error creating migration source driver: %w", err)
	}
	driver, err := sqlite3.WithInstance(migrationDB, &sqlite3.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("error creating sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("error creating migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			log.Warn("error closing migration source driver", "error", sourceErr)
		}
		if dbErr != nil {
			log.Warn("error closing migration database driver", "error", dbErr)
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("migrations up to date")
			return nil
		}
		return fmt.Errorf("error applying migrations: %w", err)
	}
	log.Debug("database migrations applied")
	return nil
}

// setPragmas applies the recommended PRAGMA settings for WAL-mode SQLite.
func setPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA journal_size_limit = 5000000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -16000",
		"PRAGMA mmap_size = 0", // memory-mapped I/O misbehaves with modernc.org/sqlite
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("error setting pragma %q: %w", pragma, err)
		}
	}
	return nil
}
