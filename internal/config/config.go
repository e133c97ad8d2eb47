package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	RelayLocal = "local"
	RelayRedis = "redis"
)

type Config struct {
	AppEnv         string
	Port           string
	AllowedOrigins []string

	DatabaseURL string
	DBHost      string
	DBUser      string
	DBPass      string
	DBName      string
	DBPort      string
	AutoMigrate bool

	RedisURL string

	JWTSecret string
	JWTIssuer string

	LogLevel  string
	LogFormat string

	RegistryShards int
	WorkerPoolSize int
	RealtimeRelay  string

	WSSendBuffer   int
	WSReadLimit    int64
	WSMessageRate  float64
	WSPingInterval time.Duration
	WSPongWait     time.Duration
	WSWriteTimeout time.Duration

	SchedulerSpec   string
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	// Don't fail if .env doesn't exist (might be prod env vars)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		AppEnv:         v.GetString("APP_ENV"),
		Port:           v.GetString("PORT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),

		DatabaseURL: v.GetString("DATABASE_URL"),
		DBHost:      v.GetString("DB_HOST"),
		DBUser:      v.GetString("DB_USER"),
		DBPass:      v.GetString("DB_PASS"),
		DBName:      v.GetString("DB_NAME"),
		DBPort:      v.GetString("DB_PORT"),
		AutoMigrate: v.GetBool("DB_AUTO_MIGRATE"),

		RedisURL: v.GetString("REDIS_URL"),

		JWTSecret: v.GetString("JWT_SECRET"),
		JWTIssuer: v.GetString("JWT_ISSUER"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		RegistryShards: v.GetInt("REGISTRY_SHARDS"),
		WorkerPoolSize: v.GetInt("WORKER_POOL_SIZE"),
		RealtimeRelay:  strings.ToLower(v.GetString("REALTIME_RELAY")),

		WSSendBuffer:  v.GetInt("WS_SEND_BUFFER"),
		WSReadLimit:   v.GetInt64("WS_READ_LIMIT"),
		WSMessageRate: v.GetFloat64("WS_MESSAGE_RATE"),

		SchedulerSpec: v.GetString("SCHEDULER_SPEC"),
	}

	var err error
	if cfg.WSPingInterval, err = durationSetting(v, "WS_PING_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.WSPongWait, err = durationSetting(v, "WS_PONG_WAIT"); err != nil {
		return nil, err
	}
	if cfg.WSWriteTimeout, err = durationSetting(v, "WS_WRITE_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationSetting(v, "SHUTDOWN_TIMEOUT"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at wiring time.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.RegistryShards <= 0 {
		return fmt.Errorf("REGISTRY_SHARDS must be positive, got %d", c.RegistryShards)
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.WSSendBuffer)
	}
	if c.WSPongWait <= c.WSPingInterval {
		return fmt.Errorf("WS_PONG_WAIT (%s) must be longer than WS_PING_INTERVAL (%s)", c.WSPongWait, c.WSPingInterval)
	}
	switch c.RealtimeRelay {
	case RelayLocal:
	case RelayRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when REALTIME_RELAY=redis")
		}
	default:
		return fmt.Errorf("unknown REALTIME_RELAY %q", c.RealtimeRelay)
	}
	return nil
}

// DSN returns the postgres connection string.
// DATABASE_URL wins over the individual DB_* settings.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.DBHost, c.DBUser, c.DBPass, c.DBName, c.DBPort,
	)
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_NAME", "residence")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("REGISTRY_SHARDS", 64)
	v.SetDefault("WORKER_POOL_SIZE", 64)
	v.SetDefault("REALTIME_RELAY", RelayLocal)

	v.SetDefault("WS_SEND_BUFFER", 64)
	v.SetDefault("WS_READ_LIMIT", 4096)
	v.SetDefault("WS_MESSAGE_RATE", 5)
	v.SetDefault("WS_PING_INTERVAL", "30s")
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("WS_WRITE_TIMEOUT", "10s")

	v.SetDefault("SCHEDULER_SPEC", "@every 30s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// durationSetting reads key as a Go duration. Every duration setting is a
// timeout or interval, so zero and negative values are rejected too.
func durationSetting(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}
