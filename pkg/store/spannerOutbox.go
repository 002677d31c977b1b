package store

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/zoff-tech/telemetry-uploader/pkg/outbox"
)

// SpannerOutbox orders entries by commit timestamp:
//
//	CREATE TABLE outbox_entries (
//	    id          STRING(36) NOT NULL,
//	    destination STRING(MAX) NOT NULL,
//	    payload     BYTES(MAX) NOT NULL,
//	    enqueued_at TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
//	) PRIMARY KEY (id)
type SpannerOutbox struct {
	client *spanner.Client
	table  string
	head   string
	closed bool
}

func (s *SpannerOutbox) HasPending(ctx context.Context) (bool, error) {
	n, err := s.PendingCount(ctx)
	return n > 0, err
}

func (s *SpannerOutbox) PendingCount(ctx context.Context) (int, error) {
	var count int64
	err := s.run(ctx, "PendingCount", func(ctx context.Context) (int, error) {
		stmt := spanner.Statement{SQL: fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)}
		iter := s.client.Single().Query(ctx, stmt)
		defer iter.Stop()

		row, err := iter.Next()
		if err != nil {
			return 0, err
		}
		return 1, row.Columns(&count)
	})
	return int(count), err
}

func (s *SpannerOutbox) Peek(ctx context.Context) (outbox.Entry, bool, error) {
	var (
		entry outbox.Entry
		found bool
	)
	err := s.run(ctx, "Peek", func(ctx context.Context) (int, error) {
		stmt := spanner.Statement{
			SQL: fmt.Sprintf(`SELECT id, destination, payload FROM %s ORDER BY enqueued_at, id LIMIT 1`, s.table),
		}
		iter := s.client.Single().Query(ctx, stmt)
		defer iter.Stop()

		row, err := iter.Next()
		if err == iterator.Done {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}

		var id string
		if err := row.Columns(&id, &entry.Destination, &entry.Payload); err != nil {
			return 0, err
		}
		s.head = id
		found = true
		return 1, nil
	})
	return entry, found, err
}

func (s *SpannerOutbox) Pop(ctx context.Context) error {
	if s.head == "" {
		return outbox.ErrNotPeeked
	}
	return s.run(ctx, "Pop", func(ctx context.Context) (int, error) {
		_, err := s.client.Apply(ctx, []*spanner.Mutation{
			spanner.Delete(s.table, spanner.Key{s.head}),
		})
		if err != nil {
			return 0, err
		}
		s.head = ""
		return 1, nil
	})
}

func (s *SpannerOutbox) Requeue(ctx context.Context, entry outbox.Entry) error {
	return s.run(ctx, "Requeue", func(ctx context.Context) (int, error) {
		_, err := s.client.Apply(ctx, []*spanner.Mutation{
			spanner.Insert(s.table,
				[]string{"id", "destination", "payload", "enqueued_at"},
				[]interface{}{uuid.NewString(), entry.Destination, entry.Payload, spanner.CommitTimestamp}),
		})
		return 1, err
	})
}

func (s *SpannerOutbox) Close() error {
	if !s.closed {
		s.closed = true
		s.client.Close()
	}
	return nil
}

func (s *SpannerOutbox) run(ctx context.Context, operation string, fn func(ctx context.Context) (int, error)) error {
	if s.closed {
		return outbox.ErrClosed
	}
	return withSpan(ctx, "spanner", operation, fn)
}
