package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the receipt API and the sync engine host.
type Config struct {
	AppName          string
	AppEnv           string
	AppPort          string
	CORSOrigins      string
	DatabaseURL      string
	RedisURL         string
	RedisNamespace   string
	NATSURL          string
	PushSubject      string
	ReceiptAPIURL    string
	ReceiptRateLimit int
	SyncUserID       string
	DedupCapacity    int
	SSEKeepAlive     time.Duration
	ShutdownDeadline time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// UsesSQLite reports whether the database URL points at a SQLite file.
func (c Config) UsesSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite://") || strings.HasPrefix(c.DatabaseURL, "file:")
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHATSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Chat Sync")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("redis.namespace", "chatsync")
	v.SetDefault("push.subject", "chatsync.push")
	v.SetDefault("receipt_api.rate_limit", 50)
	v.SetDefault("sync.dedup_capacity", 100)
	v.SetDefault("sync.sse_keepalive", "30s")
	v.SetDefault("app.shutdown_deadline", "10s")

	keepAlive, err := parseDuration(v.GetString("sync.sse_keepalive"), 30*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid sse keepalive: %w", err)
	}
	shutdown, err := parseDuration(v.GetString("app.shutdown_deadline"), 10*time.Second)
	if err != nil {
		return Config{}, fmt.Errorf("invalid shutdown deadline: %w", err)
	}

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		AppPort:          v.GetString("app.port"),
		CORSOrigins:      strings.TrimSpace(v.GetString("app.cors_origins")),
		DatabaseURL:      v.GetString("database.url"),
		RedisURL:         v.GetString("redis.url"),
		RedisNamespace:   strings.TrimSpace(v.GetString("redis.namespace")),
		NATSURL:          v.GetString("nats.url"),
		PushSubject:      strings.TrimSpace(v.GetString("push.subject")),
		ReceiptAPIURL:    strings.TrimSpace(v.GetString("receipt_api.url")),
		ReceiptRateLimit: v.GetInt("receipt_api.rate_limit"),
		SyncUserID:       strings.TrimSpace(v.GetString("sync.user_id")),
		DedupCapacity:    v.GetInt("sync.dedup_capacity"),
		SSEKeepAlive:     keepAlive,
		ShutdownDeadline: shutdown,
	}

	if cfg.DedupCapacity <= 0 {
		return Config{}, fmt.Errorf("sync dedup capacity must be positive, got %d", cfg.DedupCapacity)
	}
	if cfg.RedisNamespace == "" {
		cfg.RedisNamespace = "chatsync"
	}

	return cfg, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", raw)
	}
	return d, nil
}
