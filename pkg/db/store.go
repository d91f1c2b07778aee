package db

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/tgvault/tgvault/pkg/errors"
	_ "modernc.org/sqlite"
)

// timeLayout is the storage format for all timestamps. UTC and fixed
// width, so lexical comparison in SQL matches chronological order.
const timeLayout = "2006-01-02 15:04:05"

// Store provides database operations for the archive. A single Store
// handle is constructed at startup and passed explicitly to every
// component; there is no ambient global connection.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database and creates the schema.
// Transactions started on this handle take the write lock immediately
// (_txlock=immediate), which is what makes claim transactions safe
// against concurrent claimants.
func Open(dbPath string) (*Store, error) {
	slog.Info("store_open", "db_path", dbPath)

	dsn := "file:" + dbPath + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		slog.Error("store_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("store_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("store_ready", "db_path", dbPath)
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeFromNull(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTime(ns.String)
}
