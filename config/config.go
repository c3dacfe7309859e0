// Package config holds the process-wide settings a client session is built from.
//
// A Config is an explicit value: load it once (from the environment, from etcd, or
// by hand) and pass it to client.NewClient.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
)

// ErrMissing is matched by every *Error.
var ErrMissing = errors.New("missing configuration")

// Error reports a required configuration key that is absent.
type Error struct {
	Key string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration key %q is not set", e.Key)
}

func (e *Error) Is(target error) bool {
	return target == ErrMissing
}

const (
	KeyDomains    = "domains"
	KeyRouterName = "router_name"
	KeyLocale     = "locale"

	DefaultLocale = "en-US"
)

// Config for client sessions. ENV names are read by FromEnv.
type Config struct {
	// Domains the router is reachable in; sessions use the first unless a
	// picker says otherwise. ENV: BUSRPC_DOMAINS (semicolon separated)
	Domains []string `env:"BUSRPC_DOMAINS"`
	// RouterName is the rendezvous name in "<router>@<domain>/<service>". ENV: BUSRPC_ROUTER_NAME
	RouterName string `env:"BUSRPC_ROUTER_NAME"`
	// Locale sent with every request. ENV: BUSRPC_LOCALE
	Locale string `env:"BUSRPC_LOCALE,default=en-US"`

	// RedisAddr like "localhost:6379". ENV: BUSRPC_REDIS_ADDR
	RedisAddr string `env:"BUSRPC_REDIS_ADDR,default=localhost:6379"`
	// RedisKeyPrefix for all bus keys. ENV: BUSRPC_REDIS_PREFIX
	RedisKeyPrefix string `env:"BUSRPC_REDIS_PREFIX,default=busrpc:"`
	// EtcdEndpoints used by EtcdProvider. ENV: BUSRPC_ETCD_ENDPOINTS (semicolon separated)
	EtcdEndpoints []string `env:"BUSRPC_ETCD_ENDPOINTS"`
}

// Provider loads a Config from somewhere.
type Provider interface {
	Load(ctx context.Context) (*Config, error)
}

// Static is a Provider returning a fixed Config.
type Static Config

func (s Static) Load(ctx context.Context) (*Config, error) {
	cfg := Config(s)
	cfg.Domains = append([]string(nil), s.Domains...)
	return &cfg, cfg.Validate()
}

// FromEnv builds a Config from BUSRPC_* environment variables.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	cfg.normalize()
	return &cfg, cfg.Validate()
}

// Domain returns the first configured domain, or "" when there is none.
func (c *Config) Domain() string {
	if c == nil || len(c.Domains) == 0 {
		return ""
	}
	return c.Domains[0]
}

// Validate reports the first required key that is missing.
func (c *Config) Validate() error {
	if c == nil || len(c.Domains) == 0 {
		return &Error{Key: KeyDomains}
	}
	for _, d := range c.Domains {
		if strings.TrimSpace(d) == "" {
			return &Error{Key: KeyDomains}
		}
	}
	if strings.TrimSpace(c.RouterName) == "" {
		return &Error{Key: KeyRouterName}
	}
	return nil
}

func (c *Config) normalize() {
	domains := c.Domains[:0]
	for _, d := range c.Domains {
		if d = strings.TrimSpace(d); d != "" {
			domains = append(domains, d)
		}
	}
	c.Domains = domains
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
}
