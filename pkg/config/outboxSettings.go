package config

import "time"

// OutboxSettings selects and locates the durable outbox backend.
type OutboxSettings struct {
	Type     string `mapstructure:"type" validate:"required,oneof=file postgres spanner mongo redis"`
	Path     string `mapstructure:"path" validate:"required_if=Type file"`
	DSN      string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI      string `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo,required_if=Type redis"`
	Database string `mapstructure:"database"`                // mongo only
	Name     string `mapstructure:"name" validate:"required"` // table, collection or list key
}

// EndpointSettings describes the ingestion endpoint and its credentials.
type EndpointSettings struct {
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey         string        `mapstructure:"api_key" validate:"required"`
	AuthScheme     string        `mapstructure:"auth_scheme" validate:"required"`
	SentinelHeader string        `mapstructure:"sentinel_header" validate:"required"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// SetLocation points the configured backend at loc: a file path, a PostgreSQL
// DSN, or a Spanner/Mongo/Redis URI depending on Type.
func (o *OutboxSettings) SetLocation(loc string) {
	switch o.Type {
	case "file":
		o.Path = loc
	case "postgres":
		o.DSN = loc
	default:
		o.URI = loc
	}
}
