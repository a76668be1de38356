package ezibpy

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config carries the session settings. All fields load from the
// environment; a .env file is honored when present.
type Config struct {
	Host              string        `env:"IB_HOST" envDefault:"localhost"`
	Port              int           `env:"IB_PORT" envDefault:"4001"`
	ClientID          int64         `env:"IB_CLIENT_ID" envDefault:"1"`
	Account           string        `env:"IB_ACCOUNT"`
	ReconnectInterval time.Duration `env:"IB_RECONNECT_INTERVAL" envDefault:"1s"`
	OrderJournal      string        `env:"IB_ORDER_JOURNAL"`
}

// LoadConfig reads the session configuration from the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// withDefaults fills zero fields for configs assembled in code instead of
// loaded from the environment.
func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 4001
	}
	if c.ClientID == 0 {
		c.ClientID = 1
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = time.Second
	}
	return c
}
