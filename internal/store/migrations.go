package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jiazeyu1987/AgentFolder/internal/logging"
	"github.com/jiazeyu1987/AgentFolder/internal/util"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies pending SQL migrations in lexical filename order. Each
// script runs once inside its own transaction and is recorded in
// schema_migrations.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var n int
		if err := s.db.QueryRow(
			"SELECT COUNT(*) FROM schema_migrations WHERE filename=?", name,
		).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if n > 0 {
			continue
		}
		script, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		err = s.withTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(string(script)); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
			_, err := tx.Exec(
				"INSERT INTO schema_migrations(filename, applied_at) VALUES (?, ?)",
				name, util.NowISO(),
			)
			return err
		})
		if err != nil {
			return err
		}
		logging.Store("applied migration %s", name)
	}
	return nil
}

// MigrationFilenames lists the migrations shipped with this build, in
// apply order.
func MigrationFilenames() []string {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// AppliedMigrations returns the filenames recorded in schema_migrations.
func (s *Store) AppliedMigrations() ([]string, error) {
	rows, err := s.db.Query("SELECT filename FROM schema_migrations ORDER BY filename")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// CreateBackup copies the database file aside before risky operations.
func (s *Store) CreateBackup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logging.StoreDebug("wal checkpoint before backup: %v", err)
	}
	backupPath := s.dbPath + ".backup"
	if err := copyFile(s.dbPath, backupPath); err != nil {
		return "", fmt.Errorf("create backup: %w", err)
	}
	logging.Store("backup written to %s", backupPath)
	return backupPath, nil
}

// RestoreBackup replaces the live database with a previous backup. The
// store must be reopened afterwards.
func RestoreBackup(dbPath, backupPath string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup missing: %w", err)
	}
	return copyFile(backupPath, dbPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
