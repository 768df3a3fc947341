// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
// Section keys are chosen so that the `.`→`_` env replacer yields the
// documented environment names (DATABASE_URL, SERVER_PORT, ...).
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Geonames GeonamesConfig `mapstructure:"geonames"`
	Driver   DriverConfig   `mapstructure:"driver"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Event    EventConfig    `mapstructure:"event"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	HTTP     HTTPConfig     `mapstructure:"http"`

	MaxBotsDefault   int `mapstructure:"max_bots_default"`
	TaskMaxAttempts  int `mapstructure:"task_max_attempts"`
	PoolInitRetries  int `mapstructure:"pool_init_retries"`
	GracePeriodMs    int `mapstructure:"grace_period_ms"`
	WSOutboundBuffer int `mapstructure:"ws_outbound_buffer"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig controls access to the relational database. An empty URL
// selects the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// LogConfig selects zap level and output encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GeonamesConfig points at the geonames lookup service.
type GeonamesConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// DriverConfig selects and tunes the browser driver.
type DriverConfig struct {
	Kind     string `mapstructure:"kind"`
	Headless bool   `mapstructure:"headless"`
}

// SnapshotConfig governs live-view screenshot capture and archiving.
type SnapshotConfig struct {
	Store      string `mapstructure:"store"`
	Dir        string `mapstructure:"dir"`
	Bucket     string `mapstructure:"bucket"`
	IntervalMs int    `mapstructure:"interval_ms"`
}

// EventConfig selects the outbound event export sink.
type EventConfig struct {
	Export        string `mapstructure:"export"`
	ExportTopic   string `mapstructure:"export_topic"`
	ExportProject string `mapstructure:"export_project"`
}

// AMQPConfig holds the RabbitMQ connection string.
type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// HTTPConfig sets server-side request deadlines.
type HTTPConfig struct {
	ReadTimeoutMs  int `mapstructure:"read_timeout_ms"`
	WriteTimeoutMs int `mapstructure:"write_timeout_ms"`
}

// Load builds a Config from disk/environment. Environment variables win
// over file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("database.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("geonames.base_url", "http://localhost:8080")
	v.SetDefault("driver.kind", "chromedp")
	v.SetDefault("driver.headless", true)
	v.SetDefault("snapshot.store", "none")
	v.SetDefault("snapshot.dir", "./snapshots")
	v.SetDefault("snapshot.bucket", "")
	v.SetDefault("snapshot.interval_ms", 1000)
	v.SetDefault("event.export", "none")
	v.SetDefault("event.export_topic", "")
	v.SetDefault("event.export_project", "")
	v.SetDefault("amqp.url", "")
	v.SetDefault("http.read_timeout_ms", 15000)
	v.SetDefault("http.write_timeout_ms", 30000)
	v.SetDefault("max_bots_default", 3)
	v.SetDefault("task_max_attempts", 2)
	v.SetDefault("pool_init_retries", 3)
	v.SetDefault("grace_period_ms", 10000)
	v.SetDefault("ws_outbound_buffer", 64)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Driver.Kind {
	case "chromedp", "static", "fake":
	default:
		return fmt.Errorf("driver.kind must be chromedp, static or fake, got %q", c.Driver.Kind)
	}
	switch c.Snapshot.Store {
	case "none", "local":
	case "gcs":
		if c.Snapshot.Bucket == "" {
			return fmt.Errorf("snapshot.bucket must be set when snapshot.store is gcs")
		}
	default:
		return fmt.Errorf("snapshot.store must be none, local or gcs, got %q", c.Snapshot.Store)
	}
	switch c.Event.Export {
	case "none":
	case "pubsub":
		if c.Event.ExportProject == "" || c.Event.ExportTopic == "" {
			return fmt.Errorf("event.export_project and event.export_topic must be set when event.export is pubsub")
		}
	case "rabbitmq":
		if c.AMQP.URL == "" {
			return fmt.Errorf("amqp.url must be set when event.export is rabbitmq")
		}
	default:
		return fmt.Errorf("event.export must be none, pubsub or rabbitmq, got %q", c.Event.Export)
	}
	if c.MaxBotsDefault < 1 {
		return fmt.Errorf("max_bots_default must be >= 1, got %d", c.MaxBotsDefault)
	}
	if c.TaskMaxAttempts < 1 {
		return fmt.Errorf("task_max_attempts must be >= 1, got %d", c.TaskMaxAttempts)
	}
	if c.WSOutboundBuffer < 1 {
		return fmt.Errorf("ws_outbound_buffer must be >= 1, got %d", c.WSOutboundBuffer)
	}
	if c.Snapshot.IntervalMs < 1 {
		return fmt.Errorf("snapshot.interval_ms must be >= 1, got %d", c.Snapshot.IntervalMs)
	}
	if c.GracePeriodMs < 0 {
		return fmt.Errorf("grace_period_ms must be >= 0, got %d", c.GracePeriodMs)
	}
	return nil
}

// Addr joins host and port for net/http.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SnapshotInterval is the live-view capture cadence.
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Snapshot.IntervalMs) * time.Millisecond
}

// GracePeriod is how long cancellation waits before forcing workers down.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMs) * time.Millisecond
}

// ReadTimeout bounds request header+body reads on the HTTP server.
func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.HTTP.ReadTimeoutMs) * time.Millisecond
}

// WriteTimeout bounds response writes on the HTTP server.
func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.HTTP.WriteTimeoutMs) * time.Millisecond
}
