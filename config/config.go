package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr         string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	CollabPort       int    `env:"COLLAB_PORT" envDefault:"0"`
	RedisAddr        string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DiscoveryEnabled bool   `env:"DISCOVERY_ENABLED" envDefault:"true"`
	ServiceType      string `env:"DISCOVERY_SERVICE" envDefault:"_cloudocs._tcp"`
	HostName         string `env:"HOST_NAME"`
}

// Load reads configuration from the environment, with an optional .env file
// on top of it.
func Load() (Config, error) {
	// A missing .env is fine, the environment wins anyway.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.HostName == "" {
		cfg.HostName, _ = os.Hostname()
	}
	return cfg, nil
}
