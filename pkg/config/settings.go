package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "uploader"
	envPrefix  = "UPLOADER"
)

// Settings is the full runtime configuration of the uploader.
type Settings struct {
	Outbox        OutboxSettings   `mapstructure:"outbox"`
	Endpoint      EndpointSettings `mapstructure:"endpoint"`
	Upload        UploadSettings   `mapstructure:"upload"`
	Scenes        SceneSettings    `mapstructure:"scenes"`
	Export        ExportSettings   `mapstructure:"export"`
	Broker        BrokerSettings   `mapstructure:"broker"`
	Logging       LogSettings      `mapstructure:"logging"`
	Observability Observability    `mapstructure:"observability"`
}

// UploadSettings controls how a drain or scene run behaves.
type UploadSettings struct {
	DeleteAfterUpload bool          `mapstructure:"delete_after_upload"`
	MaxBatch          int           `mapstructure:"max_batch" validate:"gte=0"`
	TickInterval      time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	Screenshot        bool          `mapstructure:"screenshot"`
	DynamicMeshes     bool          `mapstructure:"dynamic_meshes"`
	Manifest          bool          `mapstructure:"manifest"`
}

// SceneSettings locates the scene list and the per-scene settings record file.
type SceneSettings struct {
	ListFile     string `mapstructure:"list_file"`
	SettingsFile string `mapstructure:"settings_file" validate:"required"`
	ExportDir    string `mapstructure:"export_dir" validate:"required"`
	ManagerName  string `mapstructure:"manager_name" validate:"required"`
}

// ExportSettings describes the external exporter command.
type ExportSettings struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// LogSettings configures the structured logger.
type LogSettings struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=console json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads uploader.yaml from dir (or the working directory), merges
// uploader.<ENVIRONMENT>.yaml when present and applies UPLOADER_* environment
// overrides. Callers validate after applying their own overrides.
func LoadFromFile(dir string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := newViper()
	v.SetConfigType("yaml")
	v.SetConfigName(configName)
	v.AddConfigPath(dir)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v.SetConfigName(configName + "." + env)
	if err := v.MergeInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("merge %s config: %w", env, err)
	}

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv fills c from defaults and UPLOADER_* environment variables only.
func (c *Settings) LoadFromEnv() error {
	return newViper().Unmarshal(c)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // UPLOADER_OUTBOX_TYPE
	v.AutomaticEnv()

	// Keys without a default are invisible to Unmarshal unless bound.
	for _, key := range []string{
		"outbox.path",
		"outbox.dsn",
		"outbox.uri",
		"endpoint.base_url",
		"endpoint.api_key",
		"scenes.list_file",
		"export.command",
		"export.args",
		"broker.url",
		"broker.exchange",
		"broker.topic",
		"broker.project_id",
		"logging.file",
		"observability.tracing_url",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("outbox.type", "file")
	v.SetDefault("outbox.database", "telemetry")
	v.SetDefault("outbox.name", "outbox_entries")
	v.SetDefault("endpoint.auth_scheme", "APIKEY:DATA")
	v.SetDefault("endpoint.sentinel_header", "cvr-request-time")
	v.SetDefault("endpoint.timeout", 30*time.Second)
	v.SetDefault("upload.delete_after_upload", true)
	v.SetDefault("upload.max_batch", 0)
	v.SetDefault("upload.tick_interval", 50*time.Millisecond)
	v.SetDefault("upload.screenshot", true)
	v.SetDefault("upload.dynamic_meshes", true)
	v.SetDefault("upload.manifest", true)
	v.SetDefault("scenes.settings_file", "scene-settings.yaml")
	v.SetDefault("scenes.export_dir", "export")
	v.SetDefault("scenes.manager_name", "Telemetry_Manager")
	v.SetDefault("export.timeout", 10*time.Minute)
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.routing_key", "uploader.events")
	v.SetDefault("broker.pool_size", 2)
	v.SetDefault("broker.buffer_size", 64)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.service_name", "telemetry-uploader")
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
