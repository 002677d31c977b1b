package broker

import (
	"context"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/telemetry-uploader/pkg/config"
	"github.com/zoff-tech/telemetry-uploader/pkg/telemetry"
)

// PubSubPublisherCreator defines a function type for creating Pub/Sub publishers.
type PubSubPublisherCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (Publisher, error)

// NewPubSubPublisher is the default implementation of PubSubPublisherCreator.
var NewPubSubPublisher PubSubPublisherCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (Publisher, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubPublisher{client: client}, nil
}

type pubSubPublisher struct {
	client *pubsub.Client
}

func (p *pubSubPublisher) Publish(ctx context.Context, msg Message) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Destination),
		),
	)
	defer span.End()

	attributes := make(map[string]string, len(msg.Headers))
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
	for key, value := range msg.Headers {
		attributes[key] = value
	}

	res := p.client.Topic(msg.Destination).Publish(ctx, &pubsub.Message{
		Data:       msg.Payload,
		Attributes: attributes,
	})
	if _, err := res.Get(ctx); err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(msg.Payload)))
	return nil
}

func (p *pubSubPublisher) Close() error {
	return p.client.Close()
}
