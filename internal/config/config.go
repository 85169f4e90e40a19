// Package config loads the server configuration from file and
// environment. Every knob has a default; a missing config file is not an
// error.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/vowsync/collab-core/internal/api/websocket"
	"github.com/vowsync/collab-core/internal/conflict"
	"github.com/vowsync/collab-core/internal/eventlog"
	"github.com/vowsync/collab-core/internal/presence"
	datasync "github.com/vowsync/collab-core/internal/sync"
)

// Config is the full server configuration
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	WebSocket websocket.Config `mapstructure:"websocket"`
	EventLog  eventlog.Config  `mapstructure:"eventlog"`
	Presence  presence.Config  `mapstructure:"presence"`
	Conflict  conflict.Config  `mapstructure:"conflict"`
	Sync      datasync.Config  `mapstructure:"sync"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// RedisConfig holds the durable event store settings
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from config.yaml (working directory or
// ./configs) and COLLAB_* environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "collab-core")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")

	v.SetDefault("websocket.max_connections", 10000)
	v.SetDefault("websocket.max_message_size", 1<<20)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.drop_disconnect_threshold", 64)
	v.SetDefault("websocket.auth_timeout", "10s")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.heartbeat_interval", "30s")
	v.SetDefault("websocket.liveness_timeout", "90s")
	v.SetDefault("websocket.grace_window", "2m")
	v.SetDefault("websocket.session_cache_size", 8192)
	v.SetDefault("websocket.rate_limit.per_ip", true)
	v.SetDefault("websocket.rate_limit.per_ip_rate", 5)
	v.SetDefault("websocket.rate_limit.per_ip_burst", 10)
	v.SetDefault("websocket.rate_limit.message_rate", 50)
	v.SetDefault("websocket.rate_limit.message_burst", 100)

	v.SetDefault("eventlog.window", 1024)
	v.SetDefault("eventlog.subscriber_buffer", 256)
	v.SetDefault("eventlog.append_retries", 3)
	v.SetDefault("eventlog.append_backoff", "50ms")
	v.SetDefault("eventlog.durable_retention", 0)

	v.SetDefault("presence.debounce", "150ms")
	v.SetDefault("presence.away_after", "5m")
	v.SetDefault("presence.sweep_interval", "30s")
	v.SetDefault("presence.subscriber_buffer", 64)

	v.SetDefault("conflict.default_strategy", "field_merge")
	v.SetDefault("conflict.role_priority", map[string]int{
		"owner":  3,
		"editor": 2,
		"viewer": 1,
	})

	v.SetDefault("sync.dedup_size", 4096)
	v.SetDefault("sync.dedup_ttl", "5m")
}
