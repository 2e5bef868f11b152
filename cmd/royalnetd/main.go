package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/royalnet/internal/logging"
	"github.com/danmuck/royalnet/internal/server"
	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "server config file (.toml or .yaml)")
	flag.Parse()

	logging.ConfigureRuntime()
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fail(err)
	}
	srv, err := server.New(cfg)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "royalnetd: %v\n", err)
	os.Exit(1)
}
