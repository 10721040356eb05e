package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/warden/internal/store"
)

// DB implements store.Store on PostgreSQL via the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blame(
			k INTEGER PRIMARY KEY CHECK (k = 0),
			name TEXT NOT NULL,
			blamed_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS event_seq(
			k INTEGER PRIMARY KEY CHECK (k = 0),
			next_id BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS event_history(
			id BIGSERIAL PRIMARY KEY,
			event_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			action TEXT NULL,
			name TEXT NULL,
			grp TEXT NULL,
			qualifier TEXT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_history_name ON event_history(name);`,
		`CREATE INDEX IF NOT EXISTS idx_event_history_occurred ON event_history(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) SaveBlame(ctx context.Context, name string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO blame(k, name, blamed_at) VALUES(0, $1, $2)
		ON CONFLICT(k) DO UPDATE SET name=EXCLUDED.name, blamed_at=EXCLUDED.blamed_at;`,
		name, at.UTC())
	return err
}

func (p *DB) TakeBlame(ctx context.Context) (string, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	var name string
	err = tx.QueryRowContext(ctx, `SELECT name FROM blame WHERE k=0 FOR UPDATE;`).Scan(&name)
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

func (p *DB) NextEventBase(ctx context.Context, span uint64) (uint64, error) {
	if span == 0 {
		span = 1
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var base int64
	err = tx.QueryRowContext(ctx, `SELECT next_id FROM event_seq WHERE k=0 FOR UPDATE;`).Scan(&base)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		base = 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_seq(k, next_id) VALUES(0, $1);`, base+int64(span)); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE event_seq SET next_id=$1 WHERE k=0;`, base+int64(span)); err != nil {
			return 0, err
		}
	}
	return uint64(base), tx.Commit()
}

func (p *DB) RecordEvent(ctx context.Context, rec store.EventRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO event_history(event_id, type, action, name, grp, qualifier, occurred_at)
		VALUES($1, $2, $3, $4, $5, $6, $7);`,
		int64(rec.EventID), rec.Type, nullStr(rec.Action), nullStr(rec.Name),
		nullStr(rec.Group), nullStr(rec.Qualifier), rec.OccurredAt.UTC())
	return err
}

func (p *DB) PurgeAll(ctx context.Context) error {
	for _, q := range []string{
		`DELETE FROM blame;`,
		`DELETE FROM event_seq;`,
		`DELETE FROM event_history;`,
	} {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
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
