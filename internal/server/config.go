package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/royalnet/internal/protocol/session"
	"github.com/danmuck/royalnet/internal/registry"
)

var (
	ErrMissingSecret   = errors.New("server: shared secret required")
	ErrInvalidEndpoint = errors.New("server: endpoint must start with /")
	ErrMissingListen   = errors.New("server: listen addr required")
)

// Config is the hub runtime configuration.
type Config struct {
	// Name labels this hub in logs and metrics.
	Name       string
	ListenAddr string
	// Endpoint is the HTTP path that upgrades to the link websocket.
	Endpoint string
	Secret   string
	Policy   registry.Policy
	// CorsOrigins lists browser origins allowed to read the status routes.
	// Empty disables CORS handling.
	CorsOrigins []string
	Session     session.Config
}

func DefaultConfig() Config {
	return Config{
		Name:       "royalnet",
		ListenAddr: "127.0.0.1:1234",
		Endpoint:   "/",
		Policy:     registry.PolicyReplace,
		Session:    session.DefaultConfig(),
	}
}

// Validate checks what New needs. ListenAddr is only checked by Run.
func (c Config) Validate() error {
	if c.Secret == "" {
		return ErrMissingSecret
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, c.Endpoint)
	}
	if _, err := registry.ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	return c.Session.ValidateServerTransport()
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = def.Endpoint
	}
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	c.Session = c.Session.WithDefaults()
	return c
}
