// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if c.Store.Driver != "memory" && strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if strings.TrimSpace(c.JWT.Secret) == "" || c.JWT.Secret == "change-this-secret" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Provider.Mode == "http" && strings.TrimSpace(c.Provider.SecretKey) == "" {
		missing = append(missing, "PROVIDER_SECRET_KEY")
	}
	if len(c.Limits.Rules) == 0 {
		missing = append(missing, "TRANSFER_LIMITS")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Provider.Mode {
	case "http", "simulated":
	default:
		return fmt.Errorf("unsupported PROVIDER_MODE %q", c.Provider.Mode)
	}
	if c.Worker.Workers <= 0 || c.Worker.QueueSize <= 0 {
		return fmt.Errorf("SETTLEMENT_WORKERS and SETTLEMENT_QUEUE_SIZE must be positive")
	}

	return nil
}
