// Package broker forwards terminal pipeline events to a message broker so
// other services can react to finished uploads.
package broker

import (
	"context"
	"encoding/json"

	"github.com/zoff-tech/telemetry-uploader/pkg/events"
)

// Message is one broker publication.
type Message struct {
	// Destination is the exchange (RabbitMQ) or topic (Pub/Sub).
	Destination string
	RoutingKey  string
	Payload     []byte
	Headers     map[string]string
}

// Publisher defines the operations to publish messages to a broker.
type Publisher interface {
	// Publish sends the message and waits for the broker to accept it.
	Publish(ctx context.Context, msg Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// NewEventMessage encodes e for destination.
func NewEventMessage(destination, routingKey string, e events.Event) (Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Destination: destination,
		RoutingKey:  routingKey,
		Payload:     payload,
		Headers: map[string]string{
			"event-kind": string(e.Kind),
			"run-id":     e.RunID,
			"component":  e.Component,
		},
	}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Message) error { return nil }
func (nopPublisher) Close() error                           { return nil }
