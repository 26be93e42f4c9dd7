// Package config loads and validates postgrab configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Store     StoreConfig     `mapstructure:"store"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Download  DownloadConfig  `mapstructure:"download"`
	Thumbnail ThumbnailConfig `mapstructure:"thumbnail"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig selects where spans go.
type TracingConfig struct {
	// Exporter is "none" or "log".
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// StoreConfig picks the job repository.
type StoreConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig controls the Postgres pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// SQLiteConfig points at the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig governs the polling loop.
type WorkerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	ReextractAttempts int           `mapstructure:"reextract_attempts"`
}

// BrowserConfig configures the shared Chrome instance.
type BrowserConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Headless       bool          `mapstructure:"headless"`
	ExecPath       string        `mapstructure:"exec_path"`
	UserAgent      string        `mapstructure:"user_agent"`
	UserDataDir    string        `mapstructure:"user_data_dir"`
	NavTimeout     time.Duration `mapstructure:"nav_timeout"`
	Settle         time.Duration `mapstructure:"settle"`
	ChallengeWait  time.Duration `mapstructure:"challenge_wait"`
	ChallengePoll  time.Duration `mapstructure:"challenge_poll"`
	MaxSessions    int           `mapstructure:"max_sessions"`
	MaxParked      int           `mapstructure:"max_parked"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// DownloadConfig sets output locations and validation floors.
type DownloadConfig struct {
	OutputDir     string        `mapstructure:"output_dir"`
	ThumbnailDir  string        `mapstructure:"thumbnail_dir"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MinBytes      int64         `mapstructure:"min_bytes"`
	MinImageBytes int64         `mapstructure:"min_image_bytes"`
	FFmpegPath    string        `mapstructure:"ffmpeg_path"`
	// RatePerDomain caps media requests per second per host. Zero disables it.
	RatePerDomain float64 `mapstructure:"rate_per_domain"`
	BurstPerHost  int     `mapstructure:"burst_per_domain"`
}

// ThumbnailConfig bounds the normalized cover image.
type ThumbnailConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// MirrorConfig selects where finished artifacts are copied.
type MirrorConfig struct {
	// Provider is "none", "memory", "local", "gcs" or "s3".
	Provider string      `mapstructure:"provider"`
	Prefix   string      `mapstructure:"prefix"`
	Local    LocalMirror `mapstructure:"local"`
	GCS      GCSMirror   `mapstructure:"gcs"`
	S3       S3Mirror    `mapstructure:"s3"`
}

// LocalMirror copies artifacts under a directory.
type LocalMirror struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSMirror uploads artifacts to a bucket.
type GCSMirror struct {
	Bucket       string `mapstructure:"bucket"`
	VerifyBucket bool   `mapstructure:"verify_bucket"`
}

// S3Mirror uploads artifacts to S3-compatible storage.
type S3Mirror struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// EventsConfig selects the job event bus.
type EventsConfig struct {
	// Provider is "none", "memory", "pubsub", "nats" or "amqp".
	Provider string       `mapstructure:"provider"`
	Topic    string       `mapstructure:"topic"`
	PubSub   PubSubEvents `mapstructure:"pubsub"`
	NATS     NATSEvents   `mapstructure:"nats"`
	AMQP     AMQPEvents   `mapstructure:"amqp"`
}

// PubSubEvents holds metadata for Pub/Sub notifications.
type PubSubEvents struct {
	ProjectID string `mapstructure:"project_id"`
}

// NATSEvents holds the NATS server URL.
type NATSEvents struct {
	URL string `mapstructure:"url"`
}

// AMQPEvents holds the broker URL and exchange.
type AMQPEvents struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// Load builds a Config from disk/environment. Environment variables use the
// POSTGRAB_ prefix with dots replaced by underscores, e.g. POSTGRAB_STORE_DRIVER.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POSTGRAB")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite.path", "data/postgrab.db")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "jobs")
	v.SetDefault("store.postgres.max_conns", 0)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", time.Duration(0))
	v.SetDefault("store.postgres.migrate", true)

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.stale_after", 15*time.Minute)
	v.SetDefault("worker.reextract_attempts", 1)

	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.nav_timeout", 45*time.Second)
	v.SetDefault("browser.settle", 3*time.Second)
	v.SetDefault("browser.challenge_wait", 0)
	v.SetDefault("browser.challenge_poll", 2*time.Second)
	v.SetDefault("browser.max_sessions", 1)
	v.SetDefault("browser.max_parked", 4)
	v.SetDefault("browser.acquire_timeout", 2*time.Minute)

	v.SetDefault("download.output_dir", "downloads")
	v.SetDefault("download.thumbnail_dir", "thumbnails")
	v.SetDefault("download.timeout", 10*time.Minute)
	v.SetDefault("download.min_bytes", 10*1024)
	v.SetDefault("download.min_image_bytes", 1024)
	v.SetDefault("download.ffmpeg_path", "ffmpeg")
	v.SetDefault("download.rate_per_domain", 2.0)
	v.SetDefault("download.burst_per_domain", 2)

	v.SetDefault("thumbnail.width", 720)
	v.SetDefault("thumbnail.height", 1280)

	v.SetDefault("mirror.provider", "none")
	v.SetDefault("mirror.prefix", "artifacts")
	v.SetDefault("mirror.local.base_dir", "")
	v.SetDefault("mirror.gcs.bucket", "")
	v.SetDefault("mirror.gcs.verify_bucket", true)
	v.SetDefault("mirror.s3.endpoint", "")
	v.SetDefault("mirror.s3.region", "")
	v.SetDefault("mirror.s3.bucket", "")
	v.SetDefault("mirror.s3.access_key", "")
	v.SetDefault("mirror.s3.secret_key", "")
	v.SetDefault("mirror.s3.use_ssl", true)

	v.SetDefault("events.provider", "none")
	v.SetDefault("events.topic", "postgrab.jobs")
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("events.nats.url", "")
	v.SetDefault("events.amqp.url", "")
	v.SetDefault("events.amqp.exchange", "postgrab")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Tracing.Exporter {
	case "", "none", "log":
	default:
		return fmt.Errorf("tracing.exporter %q is not supported", c.Tracing.Exporter)
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if c.Worker.StaleAfter <= 0 {
		return fmt.Errorf("worker.stale_after must be > 0")
	}
	if c.Worker.ReextractAttempts < 0 {
		return fmt.Errorf("worker.reextract_attempts must be >= 0")
	}
	if c.Browser.Enabled && c.Browser.MaxSessions < 0 {
		return fmt.Errorf("browser.max_sessions must be >= 0")
	}
	if c.Browser.ChallengeWait > 0 && c.Browser.ChallengePoll <= 0 {
		return fmt.Errorf("browser.challenge_poll must be > 0 when challenge_wait is set")
	}
	if c.Download.OutputDir == "" {
		return fmt.Errorf("download.output_dir is required")
	}
	if c.Download.MinBytes < 0 || c.Download.MinImageBytes < 0 {
		return fmt.Errorf("download minimum sizes must be >= 0")
	}
	if c.Thumbnail.Width <= 0 || c.Thumbnail.Height <= 0 {
		return fmt.Errorf("thumbnail.width and thumbnail.height must be > 0")
	}
	if err := c.Mirror.validate(); err != nil {
		return err
	}
	return c.Events.validate()
}

func (s StoreConfig) validate() error {
	switch s.Driver {
	case "memory":
	case "sqlite":
		if s.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", s.Driver)
	}
	return nil
}

func (m MirrorConfig) validate() error {
	switch m.Provider {
	case "", "none", "memory":
	case "local":
		if m.Local.BaseDir == "" {
			return fmt.Errorf("mirror.local.base_dir is required for the local mirror")
		}
	case "gcs":
		if m.GCS.Bucket == "" {
			return fmt.Errorf("mirror.gcs.bucket is required for the gcs mirror")
		}
	case "s3":
		if m.S3.Endpoint == "" || m.S3.Bucket == "" {
			return fmt.Errorf("mirror.s3.endpoint and mirror.s3.bucket are required for the s3 mirror")
		}
	default:
		return fmt.Errorf("mirror.provider %q is not supported", m.Provider)
	}
	return nil
}

func (e EventsConfig) validate() error {
	switch e.Provider {
	case "", "none", "memory":
		return nil
	case "pubsub":
		if e.PubSub.ProjectID == "" {
			return fmt.Errorf("events.pubsub.project_id is required for the pubsub provider")
		}
	case "nats":
	case "amqp":
		if e.AMQP.URL == "" {
			return fmt.Errorf("events.amqp.url is required for the amqp provider")
		}
	default:
		return fmt.Errorf("events.provider %q is not supported", e.Provider)
	}
	if e.Topic == "" {
		return fmt.Errorf("events.topic is required when events are enabled")
	}
	return nil
}
