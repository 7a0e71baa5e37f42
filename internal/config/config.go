package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5"
)

// Config is resolved once at startup and passed by reference. Nothing in
// the provisioning or routing path reads the environment directly.
type Config struct {
	// AdminDatabaseURL is the single source of truth for the administrative
	// server. Every provisioning step derives host/port/credentials from it.
	AdminDatabaseURL string `env:"ADMIN_DATABASE_URL,required"`

	// VaultPassphrase keys the credential vault. Fatal if missing.
	VaultPassphrase string `env:"VAULT_PASSPHRASE,required"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	GRPCPort int `env:"GRPC_PORT" envDefault:"50051"`
	HTTPPort int `env:"HTTP_PORT" envDefault:"8081"`

	ProvisionWorkers  int           `env:"PROVISION_WORKERS" envDefault:"4"`
	ProvisionStepTime time.Duration `env:"PROVISION_STEP_TIMEOUT" envDefault:"30s"`

	AcquireTimeout time.Duration `env:"ACQUIRE_TIMEOUT" envDefault:"5s"`
	PoolIdleEvict  time.Duration `env:"POOL_IDLE_EVICT" envDefault:"15m"`

	TenantMaxConns int32 `env:"TENANT_MAX_CONNS" envDefault:"10"`
	TenantMinConns int32 `env:"TENANT_MIN_CONNS" envDefault:"0"`

	admin *pgx.ConnConfig
}

// Load populates the config from the environment and parses the admin
// connection URL exactly once.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.parseAdmin(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseAdmin() error {
	conn, err := pgx.ParseConfig(c.AdminDatabaseURL)
	if err != nil {
		return fmt.Errorf("parse admin database url: %w", err)
	}
	c.admin = conn
	return nil
}

// Admin returns the parsed administrative connection config. The host and
// port reported here are the ones every provisioning step targets.
func (c *Config) Admin() *pgx.ConnConfig {
	if c.admin == nil {
		if err := c.parseAdmin(); err != nil {
			panic(err)
		}
	}
	return c.admin
}

// AdminHostPort is the host:port of the administrative server, for logging.
func (c *Config) AdminHostPort() string {
	a := c.Admin()
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}
