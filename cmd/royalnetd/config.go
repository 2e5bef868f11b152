package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/royalnet/internal/config"
	"github.com/danmuck/royalnet/internal/server"
)

const (
	defaultConfigPath = "cmd/royalnetd/config.toml"

	envSecret = "ROYALNET_SECRET"
	envListen = "ROYALNET_LISTEN_ADDR"
)

// loadServiceConfig reads path onto server defaults, then applies the
// environment overrides. A missing file at the default path is not an
// error so the daemon can run from the environment alone.
func loadServiceConfig(path string) (server.Config, error) {
	cfg := server.DefaultConfig()
	if _, err := os.Stat(path); err == nil || path != defaultConfigPath {
		loaded, err := config.LoadServerConfig(path)
		if err != nil {
			return server.Config{}, err
		}
		cfg = loaded
	} else if !errors.Is(err, os.ErrNotExist) {
		return server.Config{}, fmt.Errorf("stat config %q: %w", path, err)
	}

	if v, ok := os.LookupEnv(envSecret); ok {
		cfg.Secret = v
	}
	if v := strings.TrimSpace(os.Getenv(envListen)); v != "" {
		cfg.ListenAddr = v
	}
	if cfg.Secret == "" {
		return server.Config{}, fmt.Errorf("secret is required (set it in %s or %s)", path, envSecret)
	}
	return cfg, nil
}
