package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/warden/internal/store"
)

// DB implements store.Store on SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path; ":memory:" works for tests.
type DB struct {
	db *sql.DB
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blame(
			k INTEGER PRIMARY KEY CHECK (k = 0),
			name TEXT NOT NULL,
			blamed_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS event_seq(
			k INTEGER PRIMARY KEY CHECK (k = 0),
			next_id INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS event_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			action TEXT NULL,
			name TEXT NULL,
			grp TEXT NULL,
			qualifier TEXT NULL,
			occurred_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_history_name ON event_history(name);`,
		`CREATE INDEX IF NOT EXISTS idx_event_history_occurred ON event_history(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) SaveBlame(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blame(k, name, blamed_at) VALUES(0, ?, ?)
		ON CONFLICT(k) DO UPDATE SET name=excluded.name, blamed_at=excluded.blamed_at;`,
		name, at.UTC())
	return err
}

func (s *DB) TakeBlame(ctx context.Context) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	var name string
	err = tx.QueryRowContext(ctx, `SELECT name FROM blame WHERE k=0;`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, tx.Commit()
	}
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blame WHERE k=0;`); err != nil {
		return "", false, err
	}
	return name, true, tx.Commit()
}

func (s *DB) NextEventBase(ctx context.Context, span uint64) (uint64, error) {
	if span == 0 {
		span = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var base uint64
	err = tx.QueryRowContext(ctx, `SELECT next_id FROM event_seq WHERE k=0;`).Scan(&base)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		base = 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_seq(k, next_id) VALUES(0, ?);`, base+span); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE event_seq SET next_id=? WHERE k=0;`, base+span); err != nil {
			return 0, err
		}
	}
	return base, tx.Commit()
}

func (s *DB) RecordEvent(ctx context.Context, rec store.EventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_history(event_id, type, action, name, grp, qualifier, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		rec.EventID, rec.Type, nullStr(rec.Action), nullStr(rec.Name),
		nullStr(rec.Group), nullStr(rec.Qualifier), rec.OccurredAt.UTC())
	return err
}

func (s *DB) PurgeAll(ctx context.Context) error {
	for _, q := range []string{
		`DELETE FROM blame;`,
		`DELETE FROM event_seq;`,
		`DELETE FROM event_history;`,
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func nullStr(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
