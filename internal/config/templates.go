package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/royalnet/internal/link"
	"github.com/danmuck/royalnet/internal/server"
	gotoml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const placeholderSecret = "change-me"

// Template renders the default config of kind ("server" or "link") in format.
func Template(kind string, format Format) ([]byte, error) {
	var doc any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		cfg := server.DefaultConfig()
		doc = ServerFile{
			Name:            cfg.Name,
			ListenAddr:      cfg.ListenAddr,
			Endpoint:        cfg.Endpoint,
			Secret:          placeholderSecret,
			DuplicatePolicy: string(cfg.Policy),
			CorsOrigins:     []string{"http://localhost:3000"},
			Session:         sessionFileFrom(cfg.Session),
			TLS:             tlsFileFrom(cfg.Session.TLS),
		}
	case "link":
		cfg := link.DefaultConfig()
		doc = LinkFile{
			Name:               "telegram",
			ServerURI:          cfg.ServerURI,
			Secret:             placeholderSecret,
			Format:             string(cfg.Format),
			MaxConnectAttempts: cfg.MaxConnectAttempts,
			Session:            sessionFileFrom(cfg.Session),
			Backoff: BackoffFile{
				InitialDelay: Duration{cfg.Session.Backoff.InitialDelay},
				Multiplier:   cfg.Session.Backoff.Multiplier,
				MaxDelay:     Duration{cfg.Session.Backoff.MaxDelay},
				Jitter:       cfg.Session.Backoff.Jitter,
			},
			TLS: tlsFileFrom(cfg.Session.TLS),
		}
	default:
		return nil, fmt.Errorf("unknown config kind: %s", kind)
	}

	switch format {
	case FormatTOML:
		return gotoml.Marshal(doc)
	case FormatYAML:
		return yaml.Marshal(doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// WriteTemplate writes the default config of kind to path, in the syntax
// the path extension names.
func WriteTemplate(path, kind string, overwrite bool) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	data, err := Template(kind, format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
