package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/royalnet/internal/observability"
	"github.com/danmuck/royalnet/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		observability.RequestLogger(s.log),
		observability.RequestMetricsMiddleware(s.cfg.Name),
	)
	if origins := normalizeOrigins(s.cfg.CorsOrigins); len(origins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = router.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	router.GET(s.cfg.Endpoint, s.handleUpgrade)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": "royalnet-server",
			"node":      s.cfg.Name,
			"clients":   s.registry.Len(),
		})
	})

	router.GET("/clients", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"clients": s.registry.Names(),
		})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func (s *Server) handleUpgrade(c *gin.Context) {
	conn, err := transport.Upgrade(c.Writer, c.Request, s.checkOrigin, transport.Options{
		WriteTimeout: s.cfg.Session.WriteTimeout,
		ReadLimit:    s.cfg.Session.MaxPayloadBytes,
	})
	if err != nil {
		s.log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("websocket upgrade refused")
		return
	}
	s.handleConn(conn)
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if v := strings.TrimRight(strings.TrimSpace(origin), "/"); v != "" {
			out = append(out, v)
		}
	}
	return out
}
