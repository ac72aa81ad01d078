// Package config loads application configuration from environment variables,
// optionally seeded from a .env file.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/bus-seat-reservation/internal/model"
)

// Config holds the API server's runtime configuration.
type Config struct {
	Env    string // application environment (dev, prod)
	Port   string // HTTP port to listen on
	Store  string // "mysql" or "memory"; the DB_* settings are only read for mysql
	DBUser string
	DBPass string // may be empty
	DBHost string
	DBPort string
	DBName string

	// JWTSecret enables bearer authentication when set.  Locks and tickets
	// of an authenticated caller are attributed to the user id in the token.
	JWTSecret string

	AMQPURL       string        // RabbitMQ broker; booking events go direct to the hub without it
	HoldDuration  time.Duration // lifetime of a seat lock and of a pending ticket
	SweepInterval time.Duration // how often expired locks and tickets are swept
	PaymentSecret string        // shared secret expected on payment callbacks; empty disables the check
}

// Load reads .env (when present) and the environment.  Missing required
// variables are fatal.
func Load() Config {
	loadDotEnv()
	cfg := Config{
		Env:           must("APP_ENV"),
		Port:          must("APP_PORT"),
		Store:         envStr("STORE", "mysql"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		AMQPURL:       amqpURL(),
		HoldDuration:  envDur("HOLD_DURATION", model.HoldDuration),
		SweepInterval: envDur("SWEEP_INTERVAL", 30*time.Second),
		PaymentSecret: os.Getenv("PAYMENT_CALLBACK_SECRET"),
	}
	if cfg.Store == "mysql" {
		cfg.DBUser = must("DB_USER")
		cfg.DBPass = os.Getenv("DB_PASS")
		cfg.DBHost = must("DB_HOST")
		cfg.DBPort = must("DB_PORT")
		cfg.DBName = must("DB_NAME")
	}
	return cfg
}

// ClientConfig configures the storefront client.
type ClientConfig struct {
	APIURL      string
	WSURL       string
	SessionFile string // empty means the default per-user location
	LayoutTTL   time.Duration
	PollEvery   time.Duration
}

// LoadClient reads the storefront's settings.  Nothing is required.
func LoadClient() ClientConfig {
	loadDotEnv()
	return ClientConfig{
		APIURL:      envStr("STOREFRONT_API_URL", "http://localhost:8080"),
		WSURL:       envStr("STOREFRONT_WS_URL", "ws://localhost:8080/v1/ws"),
		SessionFile: os.Getenv("STOREFRONT_SESSION_FILE"),
		LayoutTTL:   envDur("STOREFRONT_LAYOUT_TTL", 30*time.Second),
		PollEvery:   envDur("STOREFRONT_POLL_INTERVAL", 5*time.Second),
	}
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("config: .env not loaded")
	}
}

func amqpURL() string {
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		return v
	}
	return os.Getenv("AMQP_URL")
}

// must retrieves a required environment variable or exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logrus.Fatalf("missing required env var: %s", key)
	}
	return v
}
