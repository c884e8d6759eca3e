// Package vault backs key material with the HashiCorp Vault Transit engine.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goversion "github.com/hashicorp/go-version"
	"github.com/hashicorp/vault/api"
)

// Supported Vault server range. Transit export paths changed shape outside
// this window and are not handled.
const (
	minServerVersion = "1.12.0"
	maxServerVersion = "1.19.0"
)

// Config holds connection settings for the Vault client.
type Config struct {
	Address   string
	Token     string
	Namespace string
	Timeout   time.Duration
}

// Client wraps the Vault API client with health and version checking.
type Client struct {
	api    *api.Client
	logger *slog.Logger
}

// New creates a Vault client.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("vault: address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.Timeout > 0 {
		apiCfg.Timeout = cfg.Timeout
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &Client{api: client, logger: logger}, nil
}

// CheckServer verifies the server is unsealed and inside the supported
// version range.
func (c *Client) CheckServer(ctx context.Context) error {
	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault: health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault: server is sealed")
	}

	server, err := goversion.NewVersion(health.Version)
	if err != nil {
		return fmt.Errorf("vault: parse server version %q: %w", health.Version, err)
	}
	constraint, err := goversion.NewConstraint(fmt.Sprintf(">= %s, < %s", minServerVersion, maxServerVersion))
	if err != nil {
		return fmt.Errorf("vault: build version constraint: %w", err)
	}
	if !constraint.Check(server.Core()) {
		return fmt.Errorf("vault: server version %s outside supported range [%s, %s)", health.Version, minServerVersion, maxServerVersion)
	}

	c.logger.InfoContext(ctx, "vault server check passed", "version", health.Version)
	return nil
}

// Logical exposes the logical backend for transit operations.
func (c *Client) Logical() *api.Logical {
	return c.api.Logical()
}
