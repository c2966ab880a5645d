package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// FileName is the call record store created inside the data directory.
const FileName = "accesspbx.db"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB is the sqlite store that call detail records are archived to.
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// migration is one embedded schema step, identified by its file name
// without the .sql suffix.
type migration struct {
	version string
	script  string
}

// Open opens (creating if needed) the call record store under dataDir and
// brings its schema up to date. The store runs in WAL mode with a single
// connection so appends from the CDR writer never contend with readers
// for a lock.
func Open(ctx context.Context, dataDir string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	dsn := "file:" + dbPath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening call record store: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging call record store: %w", err)
	}

	db := &DB{DB: sqlDB, path: dbPath, logger: logger.With("subsystem", "database")}

	applied, err := db.migrate(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating call record store: %w", err)
	}

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	db.logger.Info("call record store opened",
		"path", dbPath,
		"schema_version", version,
		"migrations_applied", applied,
	)
	return db, nil
}

// Path returns the location of the store on disk.
func (db *DB) Path() string { return db.path }

// SchemaVersion returns the newest applied migration, or "" for an empty
// store.
func (db *DB) SchemaVersion(ctx context.Context) (string, error) {
	var version sql.NullString
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return version.String, nil
}

// Close folds the write-ahead log back into the main file so an archived
// store is self-contained, then closes the connection.
func (db *DB) Close() error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("checkpoint before close failed", "error", err)
	}
	return db.DB.Close()
}

// migrate applies every embedded migration not yet recorded and returns
// how many ran.
func (db *DB) migrate(ctx context.Context) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return 0, fmt.Errorf("creating schema_migrations: %w", err)
	}

	pending, err := loadMigrations()
	if err != nil {
		return 0, err
	}
	done, err := db.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range pending {
		if done[m.version] {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return n, err
		}
		db.logger.Info("applied migration", "version", m.version)
		n++
	}
	return n, nil
}

// loadMigrations returns the embedded migrations in version order.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var out []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		script, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", name, err)
		}
		out = append(out, migration{
			version: strings.TrimSuffix(name, ".sql"),
			script:  string(script),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

// apply runs one migration and records it in the same transaction.
func (db *DB) apply(ctx context.Context, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting migration %s: %w", m.version, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, m.script); err != nil {
		return fmt.Errorf("executing migration %s: %w", m.version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("recording migration %s: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", m.version, err)
	}
	return nil
}
