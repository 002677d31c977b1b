package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/telemetry-uploader/pkg/outbox"
)

// PostgresOutbox keeps entries in a table ordered by a serial sequence:
//
//	CREATE TABLE outbox_entries (
//	    seq         BIGSERIAL PRIMARY KEY,
//	    destination TEXT NOT NULL,
//	    payload     BYTEA NOT NULL,
//	    enqueued_at TIMESTAMPTZ NOT NULL
//	);
type PostgresOutbox struct {
	db     *sql.DB
	table  string
	head   int64
	closed bool
}

func NewPostgresOutbox(db *sql.DB, table string) *PostgresOutbox {
	return &PostgresOutbox{db: db, table: table}
}

func (p *PostgresOutbox) HasPending(ctx context.Context) (bool, error) {
	var exists bool
	err := p.run(ctx, "HasPending", func(ctx context.Context) (int, error) {
		return 1, p.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s)`, p.table)).Scan(&exists)
	})
	return exists, err
}

func (p *PostgresOutbox) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := p.run(ctx, "PendingCount", func(ctx context.Context) (int, error) {
		return 1, p.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&count)
	})
	return count, err
}

func (p *PostgresOutbox) Peek(ctx context.Context) (outbox.Entry, bool, error) {
	var (
		entry outbox.Entry
		found bool
	)
	err := p.run(ctx, "Peek", func(ctx context.Context) (int, error) {
		var seq int64
		err := p.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT seq, destination, payload FROM %s ORDER BY seq LIMIT 1`, p.table)).
			Scan(&seq, &entry.Destination, &entry.Payload)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		p.head = seq
		found = true
		return 1, nil
	})
	return entry, found, err
}

func (p *PostgresOutbox) Pop(ctx context.Context) error {
	if p.head == 0 {
		return outbox.ErrNotPeeked
	}
	return p.run(ctx, "Pop", func(ctx context.Context) (int, error) {
		if _, err := p.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE seq = $1`, p.table), p.head); err != nil {
			return 0, err
		}
		p.head = 0
		return 1, nil
	})
}

func (p *PostgresOutbox) Requeue(ctx context.Context, entry outbox.Entry) error {
	return p.run(ctx, "Requeue", func(ctx context.Context) (int, error) {
		_, err := p.db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (destination, payload, enqueued_at) VALUES ($1, $2, $3)`, p.table),
			entry.Destination, entry.Payload, time.Now().UTC())
		return 1, err
	})
}

func (p *PostgresOutbox) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *PostgresOutbox) run(ctx context.Context, operation string, fn func(ctx context.Context) (int, error)) error {
	if p.closed {
		return outbox.ErrClosed
	}
	return withSpan(ctx, "postgresql", operation, fn)
}
