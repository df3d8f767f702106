package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID serializes concurrent migrators through an advisory lock.
const migrationLockID int64 = 4_286_530_917

// ErrMigrationModified is returned when an applied migration no longer
// matches the embedded file it was applied from.
var ErrMigrationModified = errors.New("applied migration was modified")

// Migration is one embedded schema migration.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus pairs a migration with the time it was applied, if it was.
type MigrationStatus struct {
	Migration
	AppliedAt *time.Time
}

// Pending reports whether the migration has not been applied yet.
func (s MigrationStatus) Pending() bool {
	return s.AppliedAt == nil
}

// GetMigrations returns the embedded migrations sorted by version.
func GetMigrations() ([]Migration, error) {
	return loadMigrations(migrationsFS, "migrations")
}

// loadMigrations reads NNN_name.sql files from dir. Versions must be unique.
func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".sql")
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: expected NNN_name.sql", entry.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: invalid version %q", entry.Name(), prefix)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, version)
		}
		seen[version] = name

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		checksum   TEXT NOT NULL DEFAULT '',
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// Migrate applies every pending migration, each in its own transaction.
// Applied migrations are checked against their embedded checksum first.
func (db *DB) Migrate(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()

	if _, err := conn.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	statuses, err := db.Migrations(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, s := range statuses {
		if !s.Pending() {
			continue
		}
		m := s.Migration
		db.logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("applying migration")
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("execute migration SQL: %w", err)
			}
			_, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)",
				m.Version, m.Name, m.Checksum)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		applied++
	}
	if applied == 0 {
		db.logger.Debug().Msg("schema is up to date")
	}
	return nil
}

// Migrations lists every embedded migration with its applied time.
// It fails with ErrMigrationModified when an applied file was edited.
func (db *DB) Migrations(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := GetMigrations()
	if err != nil {
		return nil, err
	}

	type appliedRow struct {
		checksum string
		at       time.Time
	}
	applied := make(map[int]appliedRow)
	rows, err := db.Pool.Query(ctx, "SELECT version, checksum, applied_at FROM schema_migrations")
	if err != nil && !isUndefinedTable(err) {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	if err == nil {
		for rows.Next() {
			var (
				version int
				row     appliedRow
			)
			if err := rows.Scan(&version, &row.checksum, &row.at); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan applied migration: %w", err)
			}
			applied[version] = row
		}
		rows.Close()
		if err := rows.Err(); err != nil && !isUndefinedTable(err) {
			return nil, fmt.Errorf("list applied migrations: %w", err)
		}
	}

	out := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		s := MigrationStatus{Migration: m}
		if row, ok := applied[m.Version]; ok {
			if row.checksum != "" && row.checksum != m.Checksum {
				return nil, fmt.Errorf("%w: %d (%s)", ErrMigrationModified, m.Version, m.Name)
			}
			at := row.at
			s.AppliedAt = &at
		}
		out = append(out, s)
	}
	return out, nil
}

// CurrentVersion returns the highest applied migration, or 0 before the
// first migration.
func (db *DB) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := db.Pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return version, nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
