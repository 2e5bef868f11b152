package server

import (
	"errors"
	"sync"
	"time"

	"github.com/danmuck/royalnet/internal/protocol"
	"github.com/danmuck/royalnet/internal/transport"
	"github.com/rs/zerolog"
)

var (
	errPeerClosed = errors.New("server: destination connection closed")
	errQueueFull  = errors.New("server: destination queue full")
)

// peer is one accepted connection. Only its writer goroutine writes
// envelopes to the socket; everyone else enqueues.
type peer struct {
	id   string
	conn *transport.Conn
	log  zerolog.Logger

	// name is set once by the handshake, before the peer is registered.
	name string

	out       chan protocol.Envelope
	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(id string, conn *transport.Conn, queue int, log zerolog.Logger) *peer {
	return &peer{
		id:   id,
		conn: conn,
		log:  log,
		out:  make(chan protocol.Envelope, queue),
		done: make(chan struct{}),
	}
}

// Close stops the writer and drops the socket. Safe from any goroutine.
func (p *peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

// enqueue hands env to the writer, waiting at most timeout for queue space.
func (p *peer) enqueue(env protocol.Envelope, timeout time.Duration) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p.out <- env:
		return nil
	case <-p.done:
		return errPeerClosed
	case <-timer.C:
		return errQueueFull
	}
}

// writeLoop drains the outbound queue and pings every heartbeat until the
// peer closes or a write fails.
func (p *peer) writeLoop(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case env := <-p.out:
			if err := p.conn.WriteEnvelope(env); err != nil {
				if !transport.IsClosed(err) {
					p.log.Warn().Err(err).Str("nonce", env.Nonce).Msg("write failed")
				}
				_ = p.Close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WritePing(); err != nil {
				p.log.Debug().Err(err).Msg("heartbeat ping failed")
				_ = p.Close()
				return
			}
		}
	}
}
