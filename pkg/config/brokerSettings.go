package config

// BrokerSettings holds configuration for forwarding pipeline events to a message broker.
type BrokerSettings struct {
	Type       string `mapstructure:"type" validate:"omitempty,oneof=none rabbitmq gcp-pubsub"`
	URL        string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange   string `mapstructure:"exchange" validate:"required_if=Type rabbitmq"`
	RoutingKey string `mapstructure:"routing_key"`
	Topic      string `mapstructure:"topic" validate:"required_if=Type gcp-pubsub"`
	ProjectID  string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"`
	PoolSize   int    `mapstructure:"pool_size" validate:"gte=0"`
	BufferSize int    `mapstructure:"buffer_size" validate:"gte=0"`
}
