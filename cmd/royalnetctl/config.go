package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/royalnet/internal/config"
	"github.com/danmuck/royalnet/internal/link"
	"github.com/danmuck/royalnet/internal/protocol"
)

const envSecret = "ROYALNET_SECRET"

// linkFlags are the flags every subcommand shares. Set flags win over the
// environment, which wins over the config file.
type linkFlags struct {
	configPath string
	name       string
	server     string
	secret     string
	format     string
}

func (f *linkFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "link config file (.toml or .yaml)")
	fs.StringVar(&f.name, "name", "", "logical name to identify as")
	fs.StringVar(&f.server, "server", "", "hub websocket uri")
	fs.StringVar(&f.secret, "secret", "", "shared secret")
	fs.StringVar(&f.format, "format", "", "wire codec: json or msgpack")
}

func (f linkFlags) resolve() (link.Config, error) {
	cfg := link.DefaultConfig()
	if path := strings.TrimSpace(f.configPath); path != "" {
		loaded, err := config.LoadLinkConfig(path)
		if err != nil {
			return link.Config{}, err
		}
		cfg = loaded
	}
	if v, ok := os.LookupEnv(envSecret); ok {
		cfg.Secret = v
	}
	if v := strings.TrimSpace(f.name); v != "" {
		cfg.Name = v
	}
	if v := strings.TrimSpace(f.server); v != "" {
		cfg.ServerURI = v
	}
	if f.secret != "" {
		cfg.Secret = f.secret
	}
	if v := strings.TrimSpace(f.format); v != "" {
		format, err := protocol.ParseFormat(v)
		if err != nil {
			return link.Config{}, err
		}
		cfg.Format = format
	}
	if cfg.Name == "" {
		return link.Config{}, fmt.Errorf("a link name is required (-name or name in the config file)")
	}
	return cfg, nil
}
