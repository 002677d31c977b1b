package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
	"github.com/zoff-tech/telemetry-uploader/pkg/outbox"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

var NewSpannerOutboxFactory = func(client *spanner.Client, table string) outbox.Outbox {
	return &SpannerOutbox{client: client, table: table}
}

// NewOutbox opens the outbox backend selected by cfg.Type.
func NewOutbox(ctx context.Context, cfg config.OutboxSettings) (outbox.Outbox, error) {
	if cfg.Type != "file" {
		if err := checkIdentifier(cfg.Name); err != nil {
			return nil, err
		}
	}

	switch cfg.Type {
	case "file":
		ob, err := OpenFileOutbox(cfg.Path)
		if err != nil {
			return nil, err
		}
		return ob, nil
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresOutbox(db, cfg.Name), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerOutboxFactory(client, cfg.Name), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return NewMongoOutbox(client, cfg.Database, cfg.Name), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewRedisOutbox(redis.NewClient(opts), cfg.Name), nil
	default:
		return nil, fmt.Errorf("unsupported outbox type: %s", cfg.Type)
	}
}
