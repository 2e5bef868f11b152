// Package transport carries envelopes over websocket connections.
//
// One websocket message holds exactly one envelope. Text frames carry JSON
// and binary frames carry msgpack, so the frame type alone selects the
// decoder. A connection writes with the codec it was opened with, or, on the
// accepting side, with the codec of the first frame the peer sent.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/royalnet/internal/protocol"
	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("transport: connection closed")

const closeGrace = time.Second

// Options tunes one connection.
type Options struct {
	WriteTimeout time.Duration
	ReadLimit    int64
}

// Conn is one websocket connection exchanging envelopes.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	codecMu sync.RWMutex
	codec   protocol.Codec

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps ws. A nil codec defers the choice to the first frame read.
func NewConn(ws *websocket.Conn, codec protocol.Codec, opts Options) *Conn {
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	return &Conn{
		ws:    ws,
		opts:  opts,
		codec: codec,
		done:  make(chan struct{}),
	}
}

// Dial opens a connection to uri and fixes its codec to format.
func Dial(ctx context.Context, uri string, format protocol.Format, tlsCfg *tls.Config, opts Options, timeout time.Duration) (*Conn, error) {
	codec, err := protocol.NewCodec(format)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		TLSClientConfig:  tlsCfg,
	}
	ws, resp, err := dialer.DialContext(ctx, uri, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %w (status %d)", uri, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", uri, err)
	}
	return NewConn(ws, codec, opts), nil
}

// Upgrade accepts an incoming websocket request. checkOrigin may be nil to
// accept any origin; links are not browsers.
func Upgrade(w http.ResponseWriter, r *http.Request, checkOrigin func(*http.Request) bool, opts Options) (*Conn, error) {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws, nil, opts), nil
}

// ReadEnvelope blocks for the next envelope. Bytes that arrive intact but
// do not decode yield a *protocol.DecodeError and leave the connection
// usable; any other error means the connection is gone.
func (c *Conn) ReadEnvelope() (protocol.Envelope, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	codec, err := c.frameCodec(msgType)
	if err != nil {
		return protocol.Envelope{}, err
	}
	var env protocol.Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

// WriteEnvelope serializes env with the connection codec. Concurrent
// callers are serialized.
func (c *Conn) WriteEnvelope(env protocol.Envelope) error {
	codec := c.Codec()
	data, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}
	frame := websocket.TextMessage
	if codec.Format() == protocol.FormatMsgpack {
		frame = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if c.opts.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	return c.ws.WriteMessage(frame, data)
}

// WritePing sends a websocket ping control frame.
func (c *Conn) WritePing() error {
	timeout := c.opts.WriteTimeout
	if timeout <= 0 {
		timeout = closeGrace
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// KeepAlive arms a read deadline of deadAfter and pushes it forward on
// every ping or pong from the peer. Frames read through ReadEnvelope do
// not refresh it; callers do that themselves.
func (c *Conn) KeepAlive(deadAfter time.Duration) {
	if deadAfter <= 0 {
		return
	}
	refresh := func() {
		_ = c.ws.SetReadDeadline(time.Now().Add(deadAfter))
	}
	refresh()
	c.ws.SetPongHandler(func(string) error {
		refresh()
		return nil
	})
	c.ws.SetPingHandler(func(appData string) error {
		refresh()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(closeGrace))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
}

// Codec returns the write codec, JSON until a frame settles it.
func (c *Conn) Codec() protocol.Codec {
	c.codecMu.RLock()
	defer c.codecMu.RUnlock()
	if c.codec == nil {
		return protocol.JSONCodec{}
	}
	return c.codec
}

func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Done is closed once Close has run.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close sends a normal close frame and releases the socket. Safe to call
// more than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) frameCodec(msgType int) (protocol.Codec, error) {
	var codec protocol.Codec
	switch msgType {
	case websocket.TextMessage:
		codec = protocol.JSONCodec{}
	case websocket.BinaryMessage:
		codec = protocol.MsgpackCodec{}
	default:
		return nil, &protocol.DecodeError{Format: "", Err: fmt.Errorf("unexpected frame type %d", msgType)}
	}
	c.codecMu.Lock()
	if c.codec == nil {
		c.codec = codec
	}
	c.codecMu.Unlock()
	return codec, nil
}

// IsClosed reports whether err is an ordinary end of connection rather than
// a fault worth logging loudly.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
