package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
)

// NewPublisher connects to the broker selected by cfg.Type. The "none" type
// (or an empty one) returns a publisher that discards everything.
func NewPublisher(ctx context.Context, cfg config.BrokerSettings, log zerolog.Logger) (Publisher, error) {
	switch cfg.Type {
	case "", "none":
		return nopPublisher{}, nil
	case "rabbitmq":
		return NewRabbitMqPublisher(ctx, &cfg, log)
	case "gcp-pubsub":
		return NewPubSubPublisher(ctx, &cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

// Destination is where cfg routes event messages.
func Destination(cfg config.BrokerSettings) string {
	if cfg.Type == "gcp-pubsub" {
		return cfg.Topic
	}
	return cfg.Exchange
}
