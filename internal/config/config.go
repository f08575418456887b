package config

import (
	"fmt"
	"net/url"

	"github.com/caarlos0/env/v11"
)

// Config holds the environment-provided settings for the optional run ledger
// and object storage. Per-run options come from command flags instead.
type Config struct {
	PostgresHost     string `env:"POSTGRES_HOST"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB"       envDefault:"nd2tovideo"`

	MinIOEndpoint  string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY" envDefault:"minioadmin"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY" envDefault:"minioadmin"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL"    envDefault:"false"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom reads an explicit environment, for tests and embedding.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DatabaseURL builds a connection string from the POSTGRES_* variables, or
// returns "" when no host is configured and the ledger is disabled.
func (c *Config) DatabaseURL() string {
	if c.PostgresHost == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%s", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDB,
	}
	if c.PostgresUser != "" {
		u.User = url.UserPassword(c.PostgresUser, c.PostgresPassword)
	}
	return u.String()
}

// ObjectStorageEnabled reports whether MINIO_ENDPOINT is set.
func (c *Config) ObjectStorageEnabled() bool {
	return c.MinIOEndpoint != ""
}
