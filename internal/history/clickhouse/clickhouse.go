package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/warden/internal/events"
)

// Sink exports lifecycle events to ClickHouse over the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port) and targets the given table in the
// default database.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureTable creates the event table if it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			event_id UInt64,
			type String,
			action String,
			name String,
			grp String,
			qualifier String,
			occurred_at DateTime64(6)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, event_id)`, s.table)
	if err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e events.Event) error {
	q := fmt.Sprintf(`INSERT INTO %s (event_id, type, action, name, grp, qualifier, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, q,
		e.ID,
		string(e.Type),
		string(e.Action),
		e.Name,
		e.Group,
		string(e.Qualifier),
		e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
