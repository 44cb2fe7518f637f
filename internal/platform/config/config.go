package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	EventBusRedis = "redis"
	EventBusAMQP  = "amqp"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	DatabaseURL      string `env:"DATABASE_URL"`
	DatabaseMaxConns int    `env:"DATABASE_MAX_CONNS" default:"10"`
	RedisURL         string `env:"REDIS_URL"`

	EventBus     string `env:"EVENT_BUS" default:"redis"`
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" default:"trailblazer.realtime"`

	// Origin is the public base URL of this service; EventSub callbacks are built from it.
	Origin         string `env:"ORIGIN"`
	FrontendOrigin string `env:"FRONTEND_ORIGIN"`
	JWTSecret      string `env:"JWT_SECRET"`
	CookieSecret   string `env:"COOKIE_SECRET"`

	TwitchClientID      string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret  string `env:"TWITCH_CLIENT_SECRET"`
	TwitchRedirectURL   string `env:"TWITCH_REDIRECT_URL"`
	TwitchDefaultBotID  string `env:"TWITCH_DEFAULT_BOT_ID"`
	TwitchWebhookSecret string `env:"TWITCH_WEBHOOK_SECRET"`
	TwitchGQLClientID   string `env:"TWITCH_GQL_CLIENT_ID"`
	TwitchGQLSHA256Hash string `env:"TWITCH_GQL_SHA256_HASH"`

	// TestViewerID is exempt from first-word dedup so greetings can be triggered by hand.
	TestViewerID       string `env:"TEST_VIEWER_ID"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	S3Endpoint        string        `env:"S3_ENDPOINT"`
	S3Region          string        `env:"S3_REGION" default:"us-east-1"`
	S3Bucket          string        `env:"S3_BUCKET"`
	S3AccessKeyID     string        `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string        `env:"S3_SECRET_ACCESS_KEY"`
	AudioURLTTL       time.Duration `env:"AUDIO_URL_TTL" default:"1h"`

	ConfigCacheTTL       time.Duration `env:"CONFIG_CACHE_TTL" default:"2h"`
	ConfigMemoryCacheTTL time.Duration `env:"CONFIG_MEMORY_CACHE_TTL" default:"10s"`
	ChatterCacheTTL      time.Duration `env:"CHATTER_CACHE_TTL" default:"2h"`

	MaxOverlayConnections int     `env:"MAX_OVERLAY_CONNECTIONS" default:"5000"`
	MaxConnectionsPerIP   int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionRatePerIP   float64 `env:"CONNECTION_RATE_PER_IP" default:"5"`
	ConnectionRateBurst   int     `env:"CONNECTION_RATE_BURST" default:"10"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	// Ordered so the first missing variable is reported deterministically.
	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"ORIGIN", cfg.Origin},
		{"FRONTEND_ORIGIN", cfg.FrontendOrigin},
		{"JWT_SECRET", cfg.JWTSecret},
		{"COOKIE_SECRET", cfg.CookieSecret},
		{"TWITCH_CLIENT_ID", cfg.TwitchClientID},
		{"TWITCH_CLIENT_SECRET", cfg.TwitchClientSecret},
		{"TWITCH_REDIRECT_URL", cfg.TwitchRedirectURL},
		{"TWITCH_DEFAULT_BOT_ID", cfg.TwitchDefaultBotID},
		{"TWITCH_WEBHOOK_SECRET", cfg.TwitchWebhookSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if len(cfg.TwitchWebhookSecret) < 10 || len(cfg.TwitchWebhookSecret) > 100 {
		return errors.New("TWITCH_WEBHOOK_SECRET must be between 10 and 100 characters")
	}

	if cfg.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	switch cfg.EventBus {
	case EventBusRedis:
	case EventBusAMQP:
		if cfg.AMQPURL == "" {
			return errors.New("AMQP_URL is required when EVENT_BUS is amqp")
		}
	default:
		return fmt.Errorf("EVENT_BUS must be %q or %q, got %q", EventBusRedis, EventBusAMQP, cfg.EventBus)
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}

	if cfg.ConfigCacheTTL <= 0 || cfg.ChatterCacheTTL <= 0 {
		return errors.New("CONFIG_CACHE_TTL and CHATTER_CACHE_TTL must be positive")
	}

	if cfg.DatabaseMaxConns < 1 || cfg.DatabaseMaxConns > math.MaxInt32 {
		return fmt.Errorf("DATABASE_MAX_CONNS must be a positive int32, got %d", cfg.DatabaseMaxConns)
	}

	return nil
}
