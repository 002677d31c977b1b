package broker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
	"github.com/zoff-tech/telemetry-uploader/pkg/telemetry"
)

const exchangeKind = "topic"

var errPublisherClosed = errors.New("rabbitmq publisher closed")

type RabbitMQPublisherCreator func(ctx context.Context, settings *config.BrokerSettings, log zerolog.Logger) (Publisher, error)

var NewRabbitMqPublisher RabbitMQPublisherCreator = func(ctx context.Context, settings *config.BrokerSettings, log zerolog.Logger) (Publisher, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	p := &rabbitMqPublisher{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		log:             log.With().Str("component", "rabbitmq").Logger(),
		reconnectTicker: time.NewTicker(5 * time.Second),
		stopReconnect:   make(chan struct{}),
	}

	if err := p.connectAndInitialize(); err != nil {
		p.reconnectTicker.Stop()
		return nil, err
	}

	go p.recoverConnection()

	return p, nil
}

type rabbitMqPublisher struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	closed          bool
	settings        *config.BrokerSettings
	log             zerolog.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

func (r *rabbitMqPublisher) Publish(ctx context.Context, msg Message) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String(exchangeKind),
			semconv.MessagingDestinationKey.String(msg.Destination),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.RoutingKey),
		),
	)
	defer span.End()

	headers := make(map[string]string, len(msg.Headers))
	maps.Copy(headers, msg.Headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	amqpHeaders := make(amqp.Table, len(headers))
	for k, v := range headers {
		amqpHeaders[k] = v
	}

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(
		msg.Destination, msg.RoutingKey, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         msg.Payload,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish to %s: %w", msg.Destination, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)),
	)
	return nil
}

func (r *rabbitMqPublisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	r.drainPool()

	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
