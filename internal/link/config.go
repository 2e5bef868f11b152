package link

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/royalnet/internal/protocol"
	"github.com/danmuck/royalnet/internal/protocol/session"
)

var (
	ErrNameRequired      = errors.New("link: name required")
	ErrReservedName      = errors.New("link: name is reserved for the server")
	ErrServerURIRequired = errors.New("link: server uri required")
	ErrInvalidServerURI  = errors.New("link: server uri must be ws:// or wss://")
)

// Config binds a link to one logical name on one hub.
type Config struct {
	Name      string
	ServerURI string
	Secret    string
	Format    protocol.Format
	// MaxConnectAttempts bounds consecutive failed connects in Run. Zero
	// retries until the context ends.
	MaxConnectAttempts int
	Session            session.Config
}

func DefaultConfig() Config {
	return Config{
		ServerURI: "ws://127.0.0.1:1234/",
		Format:    protocol.FormatJSON,
		Session:   session.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return ErrNameRequired
	}
	if name == protocol.ServerName {
		return ErrReservedName
	}
	if strings.TrimSpace(c.ServerURI) == "" {
		return ErrServerURIRequired
	}
	u, err := url.Parse(c.ServerURI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidServerURI, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: %q", ErrInvalidServerURI, c.ServerURI)
	}
	if _, err := protocol.NewCodec(c.Format); err != nil {
		return err
	}
	return c.Session.ValidateClientTransport()
}

func (c Config) withDefaults() Config {
	c.Name = strings.TrimSpace(c.Name)
	c.ServerURI = strings.TrimSpace(c.ServerURI)
	if c.Format == "" {
		c.Format = protocol.FormatJSON
	}
	c.Session = c.Session.WithDefaults()
	return c
}
