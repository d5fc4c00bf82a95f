// Package pgstore implements the risk gateway's reputation and report store
// on PostgreSQL.
package pgstore

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sentinelx/sentinelx/internal/riskgw"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements riskgw.ReputationStore using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
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

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
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

// Lookup returns the reputation record for a number.
// Returns nil, nil if the number is unlisted.
func (s *Store) Lookup(number string) (*riskgw.Reputation, error) {
	var rep riskgw.Reputation
	err := s.db.QueryRow(
		`SELECT id, number, category, score, updated_at
		 FROM number_reputation
		 WHERE number = $1`,
		number,
	).Scan(&rep.ID, &rep.Number, &rep.Category, &rep.Score, &rep.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying reputation: %w", err)
	}
	return &rep, nil
}

// ReportCount returns how many scam reports are on record for a number.
func (s *Store) ReportCount(number string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM scam_reports WHERE number = $1",
		number,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting reports: %w", err)
	}
	return count, nil
}

// InsertReport stores a scam report and returns it with its ID set.
func (s *Store) InsertReport(number, reason, correlationID string) (*riskgw.Report, error) {
	var rep riskgw.Report
	err := s.db.QueryRow(
		`INSERT INTO scam_reports (number, reason, correlation_id)
		 VALUES ($1, $2, $3)
		 RETURNING id, number, reason, correlation_id, created_at`,
		number, reason, correlationID,
	).Scan(&rep.ID, &rep.Number, &rep.Reason, &rep.CorrelationID, &rep.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("inserting report: %w", err)
	}
	return &rep, nil
}
