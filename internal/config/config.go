package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vn.io.arda/notification-delivery/internal/domain"
)

// Transport drivers.
const (
	DriverMemory    = "memory"
	DriverWebsocket = "websocket"
	DriverKafka     = "kafka"
	DriverPostgres  = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Reconnect   ReconnectConfig   `mapstructure:"reconnect"`
	Polling     PollingConfig     `mapstructure:"polling"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Topics      []TopicConfig     `mapstructure:"topics"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Sessions    SessionConfig     `mapstructure:"sessions"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"`
}

type DatabaseConfig struct {
	// Enabled=false runs without a store: no polling floor, back-fill or read write-back.
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type TransportConfig struct {
	Driver      string        `mapstructure:"driver"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	// DialRate caps dials per second across reconnect storms; zero disables the limiter.
	DialRate  float64         `mapstructure:"dial_rate"`
	DialBurst int             `mapstructure:"dial_burst"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
}

type WebsocketConfig struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
}

type PostgresConfig struct {
	Channel         string `mapstructure:"channel"`
	InstallTriggers bool   `mapstructure:"install_triggers"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      bool          `mapstructure:"jitter"`
}

type PollingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseInterval time.Duration `mapstructure:"base_interval"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Limit        int           `mapstructure:"limit"`
}

type CacheConfig struct {
	Capacity  int           `mapstructure:"capacity"`
	Freshness time.Duration `mapstructure:"freshness"`
	// Path of the bbolt file holding per-user snapshots; empty keeps snapshots in memory.
	Path string `mapstructure:"path"`
}

type TopicConfig struct {
	Name         string   `mapstructure:"name"`
	Source       string   `mapstructure:"source"`
	Broadcast    bool     `mapstructure:"broadcast"`
	FilterColumn string   `mapstructure:"filter_column"`
	TrackReads   bool     `mapstructure:"track_reads"`
	Events       []string `mapstructure:"events"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 tokens. Empty accepts any well-formed token (development only).
	JWTSecret string `mapstructure:"jwt_secret"`
}

type SessionConfig struct {
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	InitialLoadLimit int           `mapstructure:"initial_load_limit"`
	ReloadOnConnect  bool          `mapstructure:"reload_on_connect"`
	// Topics every session subscribes on creation; user-scoped topics get the user id as filter key.
	Topics []string `mapstructure:"topics"`
}

type MaintenanceConfig struct {
	PurgeSchedule string `mapstructure:"purge_schedule"`
	ReapSchedule  string `mapstructure:"reap_schedule"`
}

// Load reads configuration from environment variables and config files.
// Environment variables override file values. Prefix: ARDA_DELIVERY_
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variables (e.g. ARDA_DELIVERY_POLLING_BASE_INTERVAL -> polling.base_interval)
	v.SetEnvPrefix("ARDA_DELIVERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Also support simple env vars without prefix for Docker Compose convenience
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("transport.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("transport.websocket.url", "REALTIME_URL")
	v.BindEnv("transport.websocket.token", "REALTIME_TOKEN")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("server.port", "PORT")

	// Try loading config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // Not required

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.env", "development")

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "arda_facility")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")

	v.SetDefault("transport.driver", DriverPostgres)
	v.SetDefault("transport.open_timeout", 10*time.Second)
	v.SetDefault("transport.dial_rate", 2.0)
	v.SetDefault("transport.dial_burst", 5)
	v.SetDefault("transport.websocket.url", "ws://localhost:4000/realtime")
	v.SetDefault("transport.websocket.heartbeat", 25*time.Second)
	v.SetDefault("transport.websocket.ack_timeout", 5*time.Second)
	v.SetDefault("transport.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("transport.kafka.topics", []string{"notification-changes"})
	v.SetDefault("transport.postgres.channel", "notification_changes")
	v.SetDefault("transport.postgres.install_triggers", false)

	v.SetDefault("reconnect.base_delay", time.Second)
	v.SetDefault("reconnect.max_delay", 30*time.Second)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.jitter", false)

	v.SetDefault("polling.enabled", true)
	v.SetDefault("polling.base_interval", 5*time.Second)
	v.SetDefault("polling.max_interval", 30*time.Second)
	v.SetDefault("polling.timeout", 4*time.Second)
	v.SetDefault("polling.limit", 100)

	v.SetDefault("cache.capacity", 100)
	v.SetDefault("cache.freshness", 5*time.Minute)
	v.SetDefault("cache.path", "")

	v.SetDefault("topics", []map[string]any{
		{"name": domain.TopicBroadcast, "source": "notifications", "broadcast": true},
		{"name": domain.TopicUserTasks, "source": "task_notifications", "filter_column": "user_id", "track_reads": true},
		{"name": domain.TopicFacilityTasks, "source": "facility_tasks", "broadcast": true},
	})

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("sessions.idle_timeout", 15*time.Minute)
	v.SetDefault("sessions.initial_load_limit", 50)
	v.SetDefault("sessions.reload_on_connect", true)
	v.SetDefault("sessions.topics", []string{domain.TopicBroadcast, domain.TopicUserTasks, domain.TopicFacilityTasks})

	v.SetDefault("maintenance.purge_schedule", "@every 1h")
	v.SetDefault("maintenance.reap_schedule", "@every 1m")
}

// Validate rejects unusable values and clamps inconsistent ones.
func (c *Config) Validate() error {
	switch c.Transport.Driver {
	case DriverMemory, DriverWebsocket, DriverKafka:
	case DriverPostgres:
		if !c.Database.Enabled {
			return errors.New("transport driver postgres requires the database")
		}
	default:
		return fmt.Errorf("unknown transport driver %q", c.Transport.Driver)
	}
	if len(c.Topics) == 0 {
		return errors.New("no topics configured")
	}

	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = time.Second
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		c.Reconnect.MaxDelay = c.Reconnect.BaseDelay
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = 5
	}

	if c.Polling.BaseInterval <= 0 {
		c.Polling.BaseInterval = 5 * time.Second
	}
	if c.Polling.MaxInterval < c.Polling.BaseInterval {
		c.Polling.MaxInterval = c.Polling.BaseInterval
	}
	// a poll must finish before the next one is due
	if c.Polling.Timeout <= 0 || c.Polling.Timeout >= c.Polling.BaseInterval {
		c.Polling.Timeout = c.Polling.BaseInterval * 4 / 5
	}
	if c.Polling.Limit <= 0 {
		c.Polling.Limit = 100
	}

	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 100
	}
	if c.Cache.Freshness <= 0 {
		c.Cache.Freshness = 5 * time.Minute
	}
	if c.Sessions.IdleTimeout <= 0 {
		c.Sessions.IdleTimeout = 15 * time.Minute
	}
	return nil
}

// Catalog builds the topic catalog from the configured topics.
func (c *Config) Catalog() (domain.Catalog, error) {
	topics := make([]domain.Topic, 0, len(c.Topics))
	for _, tc := range c.Topics {
		t := domain.Topic{
			Name:         tc.Name,
			Source:       tc.Source,
			Broadcast:    tc.Broadcast,
			FilterColumn: tc.FilterColumn,
			TrackReads:   tc.TrackReads,
		}
		for _, e := range tc.Events {
			et, ok := domain.ParseEventType(e)
			if !ok {
				return nil, fmt.Errorf("topic %s: unknown event %q", tc.Name, e)
			}
			t.Events = append(t.Events, et)
		}
		topics = append(topics, t)
	}
	return domain.NewCatalog(topics...)
}

// Sources lists the distinct source tables of the configured topics.
func (c *Config) Sources() []string {
	seen := make(map[string]bool, len(c.Topics))
	var out []string
	for _, t := range c.Topics {
		if !seen[t.Source] {
			seen[t.Source] = true
			out = append(out, t.Source)
		}
	}
	return out
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + strconv.Itoa(d.Port) +
		" dbname=" + d.Name +
		" user=" + d.User +
		" password=" + d.Password +
		" sslmode=disable"
}
