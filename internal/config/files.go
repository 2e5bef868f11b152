package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/royalnet/internal/link"
	"github.com/danmuck/royalnet/internal/protocol"
	"github.com/danmuck/royalnet/internal/protocol/session"
	"github.com/danmuck/royalnet/internal/registry"
	"github.com/danmuck/royalnet/internal/server"
)

// ServerFile is the on-disk shape of a royalnetd config.
type ServerFile struct {
	Name            string      `toml:"name" yaml:"name"`
	ListenAddr      string      `toml:"listen_addr" yaml:"listen_addr"`
	Endpoint        string      `toml:"endpoint" yaml:"endpoint"`
	Secret          string      `toml:"secret" yaml:"secret"`
	DuplicatePolicy string      `toml:"duplicate_policy" yaml:"duplicate_policy"`
	CorsOrigins     []string    `toml:"cors_origins" yaml:"cors_origins"`
	Session         SessionFile `toml:"session" yaml:"session"`
	TLS             TLSFile     `toml:"tls" yaml:"tls"`
}

// LinkFile is the on-disk shape of a link config.
type LinkFile struct {
	Name               string      `toml:"name" yaml:"name"`
	ServerURI          string      `toml:"server_uri" yaml:"server_uri"`
	Secret             string      `toml:"secret" yaml:"secret"`
	Format             string      `toml:"format" yaml:"format"`
	MaxConnectAttempts int         `toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	Session            SessionFile `toml:"session" yaml:"session"`
	Backoff            BackoffFile `toml:"backoff" yaml:"backoff"`
	TLS                TLSFile     `toml:"tls" yaml:"tls"`
}

type SessionFile struct {
	ConnectTimeout    Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	HandshakeTimeout  Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout      Duration `toml:"write_timeout" yaml:"write_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	SessionDeadAfter  Duration `toml:"session_dead_after" yaml:"session_dead_after"`
	RequestTimeout    Duration `toml:"request_timeout" yaml:"request_timeout"`
	OutboundQueue     int      `toml:"outbound_queue" yaml:"outbound_queue"`
	MaxPayloadBytes   int64    `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
}

type BackoffFile struct {
	InitialDelay Duration `toml:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier" yaml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay" yaml:"max_delay"`
	Jitter       bool     `toml:"jitter" yaml:"jitter"`
}

type TLSFile struct {
	SecurityMode       string `toml:"security_mode" yaml:"security_mode"`
	Enabled            bool   `toml:"enabled" yaml:"enabled"`
	CertFile           string `toml:"cert_file" yaml:"cert_file"`
	KeyFile            string `toml:"key_file" yaml:"key_file"`
	CAFile             string `toml:"ca_file" yaml:"ca_file"`
	ServerName         string `toml:"server_name" yaml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// LoadServerConfig overlays the keys set in path onto server defaults.
func LoadServerConfig(path string) (server.Config, error) {
	cfg := server.DefaultConfig()

	var raw ServerFile
	meta, err := DecodeFile(path, &raw)
	if err != nil {
		return server.Config{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("secret") {
		cfg.Secret = raw.Secret
	}
	if meta.IsDefined("duplicate_policy") {
		policy, err := registry.ParsePolicy(raw.DuplicatePolicy)
		if err != nil {
			return server.Config{}, fmt.Errorf("load server config: %w", err)
		}
		cfg.Policy = policy
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	raw.Session.apply(meta, &cfg.Session)
	raw.TLS.apply(meta, &cfg.Session.TLS)

	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

// LoadLinkConfig overlays the keys set in path onto link defaults.
func LoadLinkConfig(path string) (link.Config, error) {
	cfg := link.DefaultConfig()

	var raw LinkFile
	meta, err := DecodeFile(path, &raw)
	if err != nil {
		return link.Config{}, fmt.Errorf("load link config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("server_uri") {
		cfg.ServerURI = strings.TrimSpace(raw.ServerURI)
	}
	if meta.IsDefined("secret") {
		cfg.Secret = raw.Secret
	}
	if meta.IsDefined("format") {
		format, err := protocol.ParseFormat(raw.Format)
		if err != nil {
			return link.Config{}, fmt.Errorf("load link config: %w", err)
		}
		cfg.Format = format
	}
	if meta.IsDefined("max_connect_attempts") {
		if raw.MaxConnectAttempts < 0 {
			return link.Config{}, fmt.Errorf("load link config: max_connect_attempts must be >= 0")
		}
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	raw.Session.apply(meta, &cfg.Session)
	raw.Backoff.apply(meta, &cfg.Session.Backoff)
	raw.TLS.apply(meta, &cfg.Session.TLS)

	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

func (f SessionFile) apply(meta Meta, cfg *session.Config) {
	if meta.IsDefined("session", "connect_timeout") {
		cfg.ConnectTimeout = f.ConnectTimeout.Duration
	}
	if meta.IsDefined("session", "handshake_timeout") {
		cfg.HandshakeTimeout = f.HandshakeTimeout.Duration
	}
	if meta.IsDefined("session", "write_timeout") {
		cfg.WriteTimeout = f.WriteTimeout.Duration
	}
	if meta.IsDefined("session", "heartbeat_interval") {
		cfg.HeartbeatInterval = f.HeartbeatInterval.Duration
	}
	if meta.IsDefined("session", "session_dead_after") {
		cfg.SessionDeadAfter = f.SessionDeadAfter.Duration
	}
	if meta.IsDefined("session", "request_timeout") {
		cfg.RequestTimeout = f.RequestTimeout.Duration
	}
	if meta.IsDefined("session", "outbound_queue") {
		cfg.OutboundQueue = f.OutboundQueue
	}
	if meta.IsDefined("session", "max_payload_bytes") {
		cfg.MaxPayloadBytes = f.MaxPayloadBytes
	}
}

func (f BackoffFile) apply(meta Meta, cfg *session.BackoffConfig) {
	if meta.IsDefined("backoff", "initial_delay") {
		cfg.InitialDelay = f.InitialDelay.Duration
	}
	if meta.IsDefined("backoff", "multiplier") {
		cfg.Multiplier = f.Multiplier
	}
	if meta.IsDefined("backoff", "max_delay") {
		cfg.MaxDelay = f.MaxDelay.Duration
	}
	if meta.IsDefined("backoff", "jitter") {
		cfg.Jitter = f.Jitter
	}
}

func (f TLSFile) apply(meta Meta, cfg *session.TLSConfig) {
	if meta.IsDefined("tls", "security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(f.SecurityMode))
	}
	if meta.IsDefined("tls", "enabled") {
		cfg.Enabled = f.Enabled
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.CertFile = strings.TrimSpace(f.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.KeyFile = strings.TrimSpace(f.KeyFile)
	}
	if meta.IsDefined("tls", "ca_file") {
		cfg.CAFile = strings.TrimSpace(f.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		cfg.ServerName = strings.TrimSpace(f.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.InsecureSkipVerify = f.InsecureSkipVerify
	}
}

func sessionFileFrom(cfg session.Config) SessionFile {
	return SessionFile{
		ConnectTimeout:    Duration{cfg.ConnectTimeout},
		HandshakeTimeout:  Duration{cfg.HandshakeTimeout},
		WriteTimeout:      Duration{cfg.WriteTimeout},
		HeartbeatInterval: Duration{cfg.HeartbeatInterval},
		SessionDeadAfter:  Duration{cfg.SessionDeadAfter},
		RequestTimeout:    Duration{cfg.RequestTimeout},
		OutboundQueue:     cfg.OutboundQueue,
		MaxPayloadBytes:   cfg.MaxPayloadBytes,
	}
}

func tlsFileFrom(cfg session.TLSConfig) TLSFile {
	return TLSFile{
		SecurityMode:       string(session.NormalizeSecurityMode(cfg.SecurityMode)),
		Enabled:            cfg.Enabled,
		CertFile:           cfg.CertFile,
		KeyFile:            cfg.KeyFile,
		CAFile:             cfg.CAFile,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
}
