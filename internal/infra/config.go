package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации сервера наблюдаемости.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Requests RequestsConfig `mapstructure:"requests"`
	Events   EventsConfig   `mapstructure:"events"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Health   HealthConfig   `mapstructure:"health"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"` // предпочтительный порт, занятый пропускается
	MaxPortAttempts int           `mapstructure:"max_port_attempts"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // SSE-соединения снимают дедлайн сами
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Version         string        `mapstructure:"version"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// RequestsConfig - кольцевой буфер журнала запросов.
type RequestsConfig struct {
	Capacity       int      `mapstructure:"capacity"`
	IncludeHeaders bool     `mapstructure:"include_headers"`
	IncludeBody    bool     `mapstructure:"include_body"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	SensitivePaths []string `mapstructure:"sensitive_paths"` // тело и заголовки не пишутся никогда
}

// EventsConfig - шина событий и SSE.
type EventsConfig struct {
	RecentSize        int           `mapstructure:"recent_size"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// MetricsConfig - суточные счётчики и их зеркало.
type MetricsConfig struct {
	Storage       string        `mapstructure:"storage"` // file, postgres
	File          string        `mapstructure:"file"`
	RetentionDays int           `mapstructure:"retention_days"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DatabaseConfig описывает подключение к PostgreSQL (только для metrics.storage=postgres).
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig описывает relay событий между процессами. Пустой Addr выключает relay.
type RedisConfig struct {
	Addr         string  `mapstructure:"addr"`
	Password     string  `mapstructure:"password"`
	DB           int     `mapstructure:"db"`
	Channel      string  `mapstructure:"channel"`
	PublishRate  float64 `mapstructure:"publish_rate"`
	PublishBurst int     `mapstructure:"publish_burst"`
}

// HealthConfig - пороги проверок здоровья.
type HealthConfig struct {
	MemoryThresholdMB uint64        `mapstructure:"memory_threshold_mb"`
	CheckTimeout      time.Duration `mapstructure:"check_timeout"`
}

const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// LoadConfig объединяет значения из файла, ENV и дефолтов.
// path может быть пустым - тогда файл ищется в текущей папке и ./configs.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("failsafe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// FAILSAFE_SERVER_PORT=4000 перекроет server.port
	v.SetEnvPrefix("FAILSAFE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет - работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig - конфигурация без файла и окружения.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.max_port_attempts", 100)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.version", "dev")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("requests.capacity", 200)
	v.SetDefault("requests.include_headers", false)
	v.SetDefault("requests.include_body", false)
	v.SetDefault("requests.max_body_bytes", 4096)
	v.SetDefault("requests.sensitive_paths", []string{"/auth", "/login", "/token", "/secret"})

	v.SetDefault("events.recent_size", 100)
	v.SetDefault("events.subscriber_buffer", 64)
	v.SetDefault("events.heartbeat_interval", 30*time.Second)

	v.SetDefault("metrics.storage", StorageFile)
	v.SetDefault("metrics.file", "metrics.json")
	v.SetDefault("metrics.retention_days", 30)
	v.SetDefault("metrics.flush_interval", time.Second)
	v.SetDefault("metrics.sweep_interval", 24*time.Hour)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 4)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", RedisChanEvents)
	v.SetDefault("redis.publish_rate", 50)
	v.SetDefault("redis.publish_burst", 10)

	v.SetDefault("health.memory_threshold_mb", 150)
	v.SetDefault("health.check_timeout", 2*time.Second)
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	if c.Server.MaxPortAttempts <= 0 {
		return fmt.Errorf("config: server.max_port_attempts must be positive")
	}
	if c.Requests.Capacity <= 0 {
		return fmt.Errorf("config: requests.capacity must be positive")
	}
	if c.Events.RecentSize <= 0 || c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: events.recent_size and events.subscriber_buffer must be positive")
	}
	if c.Events.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: events.heartbeat_interval must be positive")
	}
	if c.Metrics.RetentionDays <= 0 {
		return fmt.Errorf("config: metrics.retention_days must be positive")
	}
	switch c.Metrics.Storage {
	case StorageFile:
		if c.Metrics.File == "" {
			return fmt.Errorf("config: metrics.file is required for file storage")
		}
	case StoragePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("config: database.url is required for postgres storage")
		}
	default:
		return fmt.Errorf("config: unknown metrics.storage %q", c.Metrics.Storage)
	}
	return nil
}
