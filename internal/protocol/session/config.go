package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session reliability defaults shared by the
// server and links.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	SessionDeadAfter  time.Duration
	RequestTimeout    time.Duration
	OutboundQueue     int
	MaxPayloadBytes   int64
	Backoff           BackoffConfig
	TLS               TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		SessionDeadAfter:  45 * time.Second,
		RequestTimeout:    30 * time.Second,
		OutboundQueue:     64,
		MaxPayloadBytes:   4 * 1024 * 1024,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.SessionDeadAfter <= 0 {
		c.SessionDeadAfter = def.SessionDeadAfter
	}
	if c.SessionDeadAfter <= c.HeartbeatInterval {
		c.SessionDeadAfter = 3 * c.HeartbeatInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 && c.Backoff.Multiplier == 0 {
		c.Backoff = def.Backoff
	}
	c.TLS.SecurityMode = NormalizeSecurityMode(c.TLS.SecurityMode)
	return c
}
