// Package contacts implements the trusted-contact store backing the
// screening fast path. Lookups are local SQLite reads, so a known caller is
// never delayed by a network round trip.
package contacts

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Contact is one trusted entry.
type Contact struct {
	Number    string    `json:"number"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the SQLite-backed trusted-contact store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the contacts database under dataDir with WAL mode
// enabled and runs any pending migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "contacts.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("contacts database opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// Normalize strips formatting characters from a phone number so lookups match
// regardless of how the platform renders the address. A leading "+" is kept.
func Normalize(number string) string {
	var b strings.Builder
	for i, r := range number {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsKnown reports whether the number is in the trusted set.
func (s *Store) IsKnown(ctx context.Context, number string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM trusted_contacts WHERE number = ?",
		Normalize(number),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("looking up contact: %w", err)
	}
	return count > 0, nil
}

// Add inserts or updates a trusted contact.
func (s *Store) Add(ctx context.Context, number, label string) error {
	n := Normalize(number)
	if n == "" {
		return fmt.Errorf("empty number after normalization")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trusted_contacts (number, label) VALUES (?, ?)
		 ON CONFLICT(number) DO UPDATE SET label = excluded.label`,
		n, label,
	)
	if err != nil {
		return fmt.Errorf("adding contact: %w", err)
	}
	return nil
}

// Remove deletes a trusted contact. Removing an unknown number is a no-op.
func (s *Store) Remove(ctx context.Context, number string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM trusted_contacts WHERE number = ?",
		Normalize(number),
	)
	if err != nil {
		return fmt.Errorf("removing contact: %w", err)
	}
	return nil
}

// List returns all trusted contacts ordered by number.
func (s *Store) List(ctx context.Context) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT number, label, created_at FROM trusted_contacts ORDER BY number",
	)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.Number, &c.Label, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
