// Package link is the client side of royalnet: one persistent, identified
// connection to the hub per logical name, with correlated request/response
// calls and a handler for everything else.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/royalnet/internal/logging"
	"github.com/danmuck/royalnet/internal/observability"
	"github.com/danmuck/royalnet/internal/protocol"
	"github.com/danmuck/royalnet/internal/protocol/session"
	"github.com/danmuck/royalnet/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected means there is no identified connection, or the one
	// a request was sent on went away before it resolved.
	ErrNotConnected = errors.New("link: not connected")
	// ErrNotIdentified means the hub rejected the shared secret. It wraps
	// the *protocol.NoticeError the hub sent. Other handshake refusals wrap
	// ErrNotConnected and are retried by Run.
	ErrNotIdentified = errors.New("link: not identified")
	// ErrTimeout means no response arrived in time.
	ErrTimeout = errors.New("link: request timed out")

	ErrClosed           = errors.New("link: closed")
	ErrAlreadyConnected = errors.New("link: already connected")
	ErrSelfRequest      = errors.New("link: cannot request own name")

	errNoHandler = errors.New("no handler registered")
)

// State is the link lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateIdentified
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateIdentified:
		return "identified"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Link is one named client of a royalnet hub.
type Link struct {
	cfg     Config
	handler Handler
	log     zerolog.Logger
	pending *session.PendingTable
	served  *session.NonceWindow

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	state  State
	conn   *transport.Conn
	closed bool
	rng    *rand.Rand
}

// New builds a disconnected link. handler may be nil, in which case
// unsolicited requests are answered with a failure body.
func New(cfg Config, handler Handler) (*Link, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	retention := session.DefaultRetiredRetention
	if r := 2 * cfg.Session.RequestTimeout; r > retention {
		retention = r
	}
	pending := session.NewPendingTable()
	pending.SetRetention(retention)
	ctx, cancel := context.WithCancel(context.Background())
	observability.RegisterMetrics()
	return &Link{
		cfg:     cfg,
		handler: handler,
		log:     logging.Component("link").With().Str("name", cfg.Name).Logger(),
		pending: pending,
		served:  session.NewNonceWindow(retention),
		baseCtx: ctx,
		cancel:  cancel,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (l *Link) Name() string {
	return l.cfg.Name
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Pending reports how many requests are awaiting a response.
func (l *Link) Pending() int {
	return l.pending.Len()
}

// Connect dials the hub and completes the handshake. It returns
// ErrNotIdentified when the hub refuses the secret.
func (l *Link) Connect(ctx context.Context) error {
	_, err := l.connect(ctx)
	return err
}

// Run keeps the link connected until ctx ends, reconnecting with bounded
// exponential backoff. It gives up on ErrNotIdentified, or after
// MaxConnectAttempts consecutive failed connects when that is set.
func (l *Link) Run(ctx context.Context) error {
	failures := 0
	for {
		down, err := l.connect(ctx)
		if err == nil {
			failures = 0
			select {
			case <-down:
				l.log.Warn().Msg("disconnected from server")
			case <-ctx.Done():
				_ = l.Close()
				return nil
			}
			if err := l.sleepBackoff(ctx, 1); err != nil {
				_ = l.Close()
				return nil
			}
			continue
		}
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case errors.Is(err, ErrNotIdentified):
			return err
		case ctx.Err() != nil:
			_ = l.Close()
			return nil
		}
		failures++
		l.log.Warn().Err(err).Int("attempt", failures).Str("uri", l.cfg.ServerURI).Msg("connect failed")
		if l.cfg.MaxConnectAttempts > 0 && failures >= l.cfg.MaxConnectAttempts {
			return fmt.Errorf("link: giving up after %d attempts: %w", failures, err)
		}
		if err := l.sleepBackoff(ctx, failures); err != nil {
			_ = l.Close()
			return nil
		}
	}
}

func (l *Link) sleepBackoff(ctx context.Context, attempt int) error {
	l.mu.Lock()
	delay := session.NextBackoffDelay(l.cfg.Session.Backoff, attempt, l.rng)
	l.mu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.baseCtx.Done():
		return ErrClosed
	case <-timer.C:
		return nil
	}
}

// connect returns a channel closed when the new connection is torn down.
func (l *Link) connect(ctx context.Context) (<-chan struct{}, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if l.state != StateDisconnected {
		l.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	l.state = StateConnecting
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnClose := context.AfterFunc(l.baseCtx, cancel)
	defer stopOnClose()

	conn, err := l.dialAndIdentify(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = StateDisconnected
		if l.closed {
			return nil, ErrClosed
		}
		return nil, err
	}
	if l.closed {
		l.state = StateDisconnected
		_ = conn.Close()
		return nil, ErrClosed
	}
	down := make(chan struct{})
	l.conn = conn
	l.state = StateIdentified
	go l.readLoop(conn, down)
	l.log.Info().Str("uri", l.cfg.ServerURI).Str("codec", string(l.cfg.Format)).Msg("identified")
	return down, nil
}

func (l *Link) dialAndIdentify(ctx context.Context) (*transport.Conn, error) {
	tlsCfg, err := l.cfg.Session.ClientTLSConfig(l.cfg.ServerURI)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.Session.ConnectTimeout)
	defer cancel()
	conn, err := transport.Dial(dialCtx, l.cfg.ServerURI, l.cfg.Format, tlsCfg, transport.Options{
		WriteTimeout: l.cfg.Session.WriteTimeout,
		ReadLimit:    l.cfg.Session.MaxPayloadBytes,
	}, l.cfg.Session.ConnectTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	l.mu.Lock()
	if !l.closed {
		l.state = StateHandshaking
	}
	l.mu.Unlock()

	abort := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer abort()

	hs, err := protocol.NewHandshake(uuid.NewString(), l.cfg.Name, l.cfg.Secret)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteEnvelope(hs); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: send handshake: %w", ErrNotConnected, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(l.cfg.Session.HandshakeTimeout))
	env, err := conn.ReadEnvelope()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: await handshake reply: %w", ErrNotConnected, err)
	}
	switch {
	case env.Kind == protocol.KindIdentified:
	case env.Kind == protocol.KindInvalidSecret:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrNotIdentified, env.NoticeError())
	case env.Kind.IsNotice():
		_ = conn.Close()
		return nil, fmt.Errorf("%w: handshake refused: %w", ErrNotConnected, env.NoticeError())
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: unexpected %q during handshake", ErrNotConnected, env.Kind)
	}
	if !abort() {
		return nil, ctx.Err()
	}
	conn.KeepAlive(l.cfg.Session.SessionDeadAfter)
	return conn, nil
}

// Request sends payload to destination and waits for the correlated
// response. Notices from the hub come back as *protocol.NoticeError, so
// errors.Is(err, protocol.ErrInvalidDestination) and friends work. A
// handler failure on the far side is an ordinary payload; see
// protocol.DecodeFailure.
func (l *Link) Request(ctx context.Context, destination string, payload any) (json.RawMessage, error) {
	start := time.Now()
	dest := strings.TrimSpace(destination)
	out, err := l.request(ctx, dest, payload)
	observability.RecordLinkRequest(l.cfg.Name, dest, requestOutcome(err), time.Since(start))
	if err != nil {
		l.log.Debug().Err(err).Str("destination", dest).Msg("request failed")
	}
	return out, err
}

func (l *Link) request(ctx context.Context, dest string, payload any) (json.RawMessage, error) {
	if dest == "" {
		return nil, protocol.ErrMissingDestination
	}
	if dest == l.cfg.Name {
		return nil, ErrSelfRequest
	}
	raw, err := protocol.NewPayload(payload)
	if err != nil {
		return nil, err
	}
	conn, err := l.current()
	if err != nil {
		return nil, err
	}

	nonce := uuid.NewString()
	p, err := l.pending.Add(nonce, dest, time.Now())
	if err != nil {
		return nil, err
	}
	env := protocol.Envelope{
		Nonce:       nonce,
		Source:      l.cfg.Name,
		Destination: dest,
		Kind:        protocol.KindMessage,
		Payload:     raw,
	}
	if err := conn.WriteEnvelope(env); err != nil {
		if l.pending.Cancel(p) {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return unpack(<-p.Done())
	}

	timer := time.NewTimer(l.cfg.Session.RequestTimeout)
	defer timer.Stop()
	select {
	case res := <-p.Done():
		return unpack(res)
	case <-timer.C:
		if l.pending.Cancel(p) {
			return nil, ErrTimeout
		}
		return unpack(<-p.Done())
	case <-ctx.Done():
		if l.pending.Cancel(p) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
			}
			return nil, ctx.Err()
		}
		return unpack(<-p.Done())
	}
}

func unpack(res session.Result) (json.RawMessage, error) {
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Payload, nil
}

func (l *Link) current() (*transport.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, ErrClosed)
	}
	if l.state != StateIdentified || l.conn == nil {
		return nil, ErrNotConnected
	}
	return l.conn, nil
}

func (l *Link) readLoop(conn *transport.Conn, down chan struct{}) {
	defer l.teardown(conn, down)
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				l.log.Warn().Err(err).Msg("malformed envelope from server")
				continue
			}
			if transport.IsClosed(err) {
				l.log.Debug().Msg("connection closed")
			} else {
				l.log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(l.cfg.Session.SessionDeadAfter))
		l.dispatch(conn, env)
	}
}

// teardown releases conn and fails every request still waiting on it.
func (l *Link) teardown(conn *transport.Conn, down chan struct{}) {
	_ = conn.Close()
	l.mu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
	}
	l.mu.Unlock()

	if n := l.pending.FailAll(ErrNotConnected); n > 0 {
		l.log.Info().Int("pending", n).Msg("failed pending requests on disconnect")
	}
	if current {
		l.mu.Lock()
		l.state = StateDisconnected
		l.mu.Unlock()
	}
	close(down)
}

// dispatch routes one inbound envelope by kind: responses to the pending
// table, notices to the request that caused them, the rest to the handler.
func (l *Link) dispatch(conn *transport.Conn, env protocol.Envelope) {
	switch {
	case env.Kind == protocol.KindMessage:
		fromTarget := func(info session.PendingInfo) bool {
			return info.Destination == env.Source
		}
		if l.pending.ResolveIf(env.Nonce, fromTarget, session.Result{Payload: env.Payload}) {
			return
		}
		if l.pending.Retired(env.Nonce) || env.Source == protocol.ServerName {
			l.log.Debug().Str("nonce", env.Nonce).Str("source", env.Source).Msg("late response discarded")
			return
		}
		if info, ok := l.pending.Lookup(env.Nonce); ok {
			l.log.Warn().
				Str("nonce", env.Nonce).
				Str("source", env.Source).
				Str("expected", info.Destination).
				Msg("response from unexpected source discarded")
			return
		}
		if l.served.Mark(env.Nonce) {
			l.log.Debug().Str("nonce", env.Nonce).Str("source", env.Source).Msg("already answered, discarded")
			return
		}
		l.serve(conn, env)
	case env.Kind.IsNotice():
		if env.Source != protocol.ServerName {
			l.log.Warn().Str("source", env.Source).Str("kind", string(env.Kind)).Msg("notice not from server discarded")
			return
		}
		if !l.pending.Resolve(env.Nonce, session.Result{Err: env.NoticeError()}) {
			l.log.Warn().
				Str("nonce", env.Nonce).
				Str("kind", string(env.Kind)).
				Str("reason", env.Reason()).
				Msg("notice without pending request")
		}
	default:
		l.log.Warn().Str("kind", string(env.Kind)).Msg("unexpected envelope kind")
	}
}

// serve runs the handler for one unsolicited request on its own goroutine
// and writes back whatever it produces.
func (l *Link) serve(conn *transport.Conn, env protocol.Envelope) {
	go func() {
		reply := env.Reply(l.runHandler(env))
		reply.Source = l.cfg.Name
		if err := conn.WriteEnvelope(reply); err != nil {
			l.log.Debug().Err(err).Str("nonce", env.Nonce).Str("destination", env.Source).Msg("reply not sent")
		}
	}()
}

func (l *Link) runHandler(env protocol.Envelope) (payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Str("nonce", env.Nonce).Msg("handler panicked")
			payload = protocol.FailurePayload(errors.New("handler panicked"))
		}
	}()
	if l.handler == nil {
		return protocol.FailurePayload(errNoHandler)
	}
	ctx, cancel := context.WithTimeout(l.baseCtx, l.cfg.Session.RequestTimeout)
	defer cancel()
	out, err := l.handler.Handle(ctx, Message{
		Nonce:   env.Nonce,
		Source:  env.Source,
		Payload: env.Payload,
	})
	if err != nil {
		return protocol.FailurePayload(err)
	}
	raw, err := protocol.NewPayload(out)
	if err != nil {
		return protocol.FailurePayload(err)
	}
	return raw
}

// Close drops the connection, fails pending requests with ErrNotConnected
// and stops Run. A closed link cannot reconnect.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	l.state = StateDisconnected
	l.mu.Unlock()

	l.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	l.pending.FailAll(ErrNotConnected)
	return nil
}

func requestOutcome(err error) string {
	var noticeErr *protocol.NoticeError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &noticeErr):
		return string(noticeErr.Kind)
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
