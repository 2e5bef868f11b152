// Package server is the royalnet hub: it identifies links by a shared
// secret and routes envelopes between them by logical name.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/royalnet/internal/auth"
	"github.com/danmuck/royalnet/internal/logging"
	"github.com/danmuck/royalnet/internal/observability"
	"github.com/danmuck/royalnet/internal/protocol"
	"github.com/danmuck/royalnet/internal/registry"
	"github.com/danmuck/royalnet/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownGrace = 5 * time.Second

	reasonServerFault = "the server failed to deliver the envelope"
)

var errForwardPanic = errors.New("server: forward panicked")

// Option customizes a Server at construction.
type Option func(*Server)

// WithValidator replaces the shared-secret check.
func WithValidator(v auth.Validator) Option {
	return func(s *Server) {
		s.validator = v
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.log = logger
	}
}

// WithCheckOrigin installs a websocket origin check. The default accepts
// every origin.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) {
		s.checkOrigin = fn
	}
}

// Server routes envelopes between identified links.
type Server struct {
	cfg         Config
	log         zerolog.Logger
	validator   auth.Validator
	registry    *registry.Registry
	router      *gin.Engine
	checkOrigin func(*http.Request) bool
	started     time.Time

	connsMu  sync.Mutex
	conns    map[*peer]struct{}
	closing  bool
	handlers sync.WaitGroup
}

// New builds a hub. Nothing listens until Serve or Run.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		log:       logging.Component("server").With().Str("node", cfg.Name).Logger(),
		validator: auth.SharedSecret{Secret: cfg.Secret},
		registry:  registry.New(cfg.Policy),
		conns:     make(map[*peer]struct{}),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.newRouter()
	observability.RegisterMetrics()
	return s, nil
}

func (s *Server) Config() Config {
	return s.cfg
}

// Handler exposes the HTTP surface for embedding in another server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Clients lists the names currently registered.
func (s *Server) Clients() []string {
	return s.registry.Names()
}

// Run listens on the configured address, with TLS when enabled, and serves
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.ListenAddr) == "" {
		return ErrMissingListen
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("endpoint", s.cfg.Endpoint).
		Bool("tls", s.cfg.Session.TLS.Enabled).
		Msg("listening")
	return s.Serve(ctx, ln)
}

func (s *Server) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("server: tls: %w", err)
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve runs the HTTP surface on ln until ctx is cancelled, then closes
// every connection and waits for their handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Session.HandshakeTimeout,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		s.closeAll()
		return err
	})
	err := g.Wait()
	s.handlers.Wait()
	s.log.Info().Msg("stopped")
	return err
}

// handleConn owns one accepted connection from handshake to teardown.
func (s *Server) handleConn(conn *transport.Conn) {
	id := uuid.NewString()
	p := newPeer(id, conn, s.cfg.Session.OutboundQueue, s.log.With().
		Str("conn_id", id).
		Str("remote", conn.RemoteAddr()).
		Logger())
	if !s.track(p) {
		_ = p.Close()
		return
	}
	defer s.untrack(p)
	defer p.Close()

	p.log.Debug().Msg("accepted")
	if err := s.handshake(p); err != nil {
		p.log.Info().Err(err).Msg("handshake failed")
		return
	}
	defer s.unregister(p)

	go p.writeLoop(s.cfg.Session.HeartbeatInterval)
	s.readLoop(p)
}

// handshake reads the first envelope and either registers the peer and
// acknowledges it, or answers with a notice and reports why it refused.
// Writes go straight to the socket: the writer is not running yet.
func (s *Server) handshake(p *peer) error {
	_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	env, err := p.conn.ReadEnvelope()
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			s.refuse(p, protocol.KindInvalidPackage, "", "malformed handshake")
		}
		return err
	}
	if env.Kind != protocol.KindHandshake {
		s.refuse(p, protocol.KindInvalidPackage, env.Nonce, "expected handshake")
		return fmt.Errorf("server: first envelope kind %q", env.Kind)
	}
	if err := env.Validate(); err != nil {
		s.refuse(p, protocol.KindInvalidPackage, env.Nonce, err.Error())
		return err
	}
	name := strings.TrimSpace(env.Source)
	if name == protocol.ServerName {
		s.refuse(p, protocol.KindInvalidPackage, env.Nonce, "name is reserved")
		return fmt.Errorf("server: reserved name %q", name)
	}
	var hs protocol.Handshake
	if err := env.Decode(&hs); err != nil {
		s.refuse(p, protocol.KindInvalidPackage, env.Nonce, "malformed handshake payload")
		return err
	}
	if err := s.validator.Validate(hs.Secret); err != nil {
		s.refuse(p, protocol.KindInvalidSecret, env.Nonce, "invalid secret")
		return fmt.Errorf("%w: name=%q", err, name)
	}

	p.name = name
	p.log = p.log.With().Str("name", name).Logger()
	evicted, err := s.registry.Register(name, p)
	if err != nil {
		s.refuse(p, protocol.KindInvalidPackage, env.Nonce, "name already connected")
		return err
	}
	if evicted != nil {
		p.log.Info().Msg("replacing previous connection")
		_ = evicted.Close()
	}
	observability.SetConnectedClients(s.cfg.Name, s.registry.Len())

	ack := protocol.Notice(protocol.KindIdentified, env.Nonce, name, "")
	if err := p.conn.WriteEnvelope(ack); err != nil {
		s.unregister(p)
		return err
	}
	p.conn.KeepAlive(s.cfg.Session.SessionDeadAfter)
	p.log.Info().Str("codec", string(p.conn.Codec().Format())).Msg("identified")
	return nil
}

// refuse answers a failed handshake before the connection is dropped.
func (s *Server) refuse(p *peer, kind protocol.Kind, nonce, reason string) {
	observability.RecordNotice(s.cfg.Name, string(kind))
	if err := p.conn.WriteEnvelope(protocol.Notice(kind, nonce, "", reason)); err != nil {
		p.log.Debug().Err(err).Str("kind", string(kind)).Msg("notice not delivered")
	}
}

func (s *Server) readLoop(p *peer) {
	for {
		env, err := p.conn.ReadEnvelope()
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				s.refreshDeadline(p)
				p.log.Debug().Err(err).Msg("malformed envelope")
				s.notify(p, protocol.KindInvalidPackage, "", "malformed envelope")
				continue
			}
			if transport.IsClosed(err) {
				p.log.Info().Msg("disconnected")
			} else {
				p.log.Info().Err(err).Msg("connection lost")
			}
			return
		}
		s.refreshDeadline(p)
		s.route(p, env)
	}
}

func (s *Server) refreshDeadline(p *peer) {
	_ = p.conn.SetReadDeadline(time.Now().Add(s.cfg.Session.SessionDeadAfter))
}

// route applies the steady-state rules to one envelope from an identified peer.
func (s *Server) route(p *peer, env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		s.notify(p, protocol.KindInvalidPackage, env.Nonce, err.Error())
		return
	}
	if env.Kind != protocol.KindMessage {
		s.notify(p, protocol.KindInvalidPackage, env.Nonce, fmt.Sprintf("unexpected kind %q", env.Kind))
		return
	}
	if env.Destination == protocol.ServerName {
		s.control(p, env)
		return
	}
	held, ok := s.registry.Lookup(env.Destination)
	if !ok {
		s.notify(p, protocol.KindInvalidDestination, env.Nonce,
			fmt.Sprintf("destination %q is not connected", env.Destination))
		return
	}
	dst, ok := held.(*peer)
	if !ok {
		s.notify(p, protocol.KindServerFault, env.Nonce, reasonServerFault)
		return
	}

	env.Source = p.name
	if err := s.forward(dst, env); err != nil {
		p.log.Warn().Err(err).
			Str("destination", env.Destination).
			Str("nonce", env.Nonce).
			Msg("forward failed")
		s.notify(p, protocol.KindServerFault, env.Nonce, reasonServerFault)
		return
	}
	observability.RecordForward(s.cfg.Name, string(p.conn.Codec().Format()))
}

// forward is the fault boundary: whatever goes wrong handing env to dst
// comes back as an error.
func (s *Server) forward(dst *peer, env protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errForwardPanic, r)
		}
	}()
	return dst.enqueue(env, s.cfg.Session.WriteTimeout)
}

// control answers envelopes addressed to the hub itself.
func (s *Server) control(p *peer, env protocol.Envelope) {
	var ctl protocol.Control
	if err := env.Decode(&ctl); err != nil {
		s.notify(p, protocol.KindInvalidPackage, env.Nonce, "malformed control payload")
		return
	}
	var body any
	switch ctl.Op {
	case protocol.ControlPing:
		body = protocol.Pong{Pong: true}
	case protocol.ControlClients:
		body = protocol.ClientList{Clients: s.registry.Names()}
	default:
		s.notify(p, protocol.KindInvalidPackage, env.Nonce, fmt.Sprintf("unknown control op %q", ctl.Op))
		return
	}
	payload, err := protocol.NewPayload(body)
	if err != nil {
		s.notify(p, protocol.KindServerFault, env.Nonce, reasonServerFault)
		return
	}
	reply := protocol.Envelope{
		Nonce:       env.Nonce,
		Source:      protocol.ServerName,
		Destination: p.name,
		Kind:        protocol.KindMessage,
		Payload:     payload,
	}
	if err := p.enqueue(reply, s.cfg.Session.WriteTimeout); err != nil {
		p.log.Debug().Err(err).Str("op", ctl.Op).Msg("control reply dropped")
	}
}

// notify queues a notice back to the peer that caused it.
func (s *Server) notify(p *peer, kind protocol.Kind, nonce, reason string) {
	observability.RecordNotice(s.cfg.Name, string(kind))
	if err := p.enqueue(protocol.Notice(kind, nonce, p.name, reason), s.cfg.Session.WriteTimeout); err != nil {
		p.log.Debug().Err(err).Str("kind", string(kind)).Str("nonce", nonce).Msg("notice dropped")
	}
}

func (s *Server) unregister(p *peer) {
	if s.registry.Remove(p.name, p) {
		observability.SetConnectedClients(s.cfg.Name, s.registry.Len())
	}
}

func (s *Server) track(p *peer) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[p] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(p *peer) {
	s.connsMu.Lock()
	delete(s.conns, p)
	s.connsMu.Unlock()
	s.handlers.Done()
}

// closeAll refuses new connections, empties the registry so nothing more
// is routed, and closes every tracked connection.
func (s *Server) closeAll() {
	s.connsMu.Lock()
	s.closing = true
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.connsMu.Unlock()
	drained := s.registry.Drain()
	observability.SetConnectedClients(s.cfg.Name, 0)
	for _, c := range drained {
		_ = c.Close()
	}
	for _, p := range peers {
		_ = p.Close()
	}
}
