package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const envPrefix = "GOCHAT"

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Hub       HubConfig
	Presence  PresenceConfig
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig
}

type ServerConfig struct {
	Addr            string
	InstanceID      string        `mapstructure:"instance_id"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	SigningKey string `mapstructure:"signing_key"`
	// decoded from SigningKey by Load
	Key []byte `mapstructure:"-"`
}

type DatabaseConfig struct {
	DSN     string
	Migrate bool
}

type RedisConfig struct {
	Address          string
	Password         string
	DB               int
	PresenceChannel  string `mapstructure:"presence_channel"`
	BroadcastChannel string `mapstructure:"broadcast_channel"`
}

type HubConfig struct {
	SendQueueSize    int           `mapstructure:"send_queue_size"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	MaxContentLength int           `mapstructure:"max_content_length"`
	OpTimeout        time.Duration `mapstructure:"op_timeout"`
	PublishRetries   int           `mapstructure:"publish_retries"`
}

type PresenceConfig struct {
	RetryBase time.Duration `mapstructure:"retry_base"`
	RetryMax  time.Duration `mapstructure:"retry_max"`
	QueueSize int           `mapstructure:"queue_size"`
}

type RateLimitConfig struct {
	ReadLimit  int           `mapstructure:"read_limit"`
	ReadWindow time.Duration `mapstructure:"read_window"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "localhost:8000")
	v.SetDefault("server.instance_id", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable")
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.presence_channel", "gochat:presence")
	v.SetDefault("redis.broadcast_channel", "gochat:broadcast")
	v.SetDefault("hub.send_queue_size", 256)
	v.SetDefault("hub.max_message_size", 4096)
	v.SetDefault("hub.max_content_length", 2000)
	v.SetDefault("hub.op_timeout", "5s")
	v.SetDefault("hub.publish_retries", 3)
	v.SetDefault("presence.retry_base", "200ms")
	v.SetDefault("presence.retry_max", "10s")
	v.SetDefault("presence.queue_size", 10000)
	v.SetDefault("ratelimit.read_limit", 20)
	v.SetDefault("ratelimit.read_window", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration from the optional YAML file at path and from
// GOCHAT_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.Redis.Address == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	if c.Auth.SigningKey == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	key, err := decodeSigningSecret(c.Auth.SigningKey)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.Auth.Key = key

	if c.Server.InstanceID == "" {
		c.Server.InstanceID = uuid.NewString()
	}
	if c.Hub.SendQueueSize <= 0 {
		return fmt.Errorf("hub send queue size must be positive")
	}
	if c.RateLimit.ReadLimit <= 0 || c.RateLimit.ReadWindow <= 0 {
		return fmt.Errorf("read rate limit must be positive")
	}

	return nil
}
