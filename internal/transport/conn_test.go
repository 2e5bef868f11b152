package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/royalnet/internal/protocol"
	"github.com/danmuck/royalnet/internal/testutil/testlog"
	"github.com/gorilla/websocket"
)

// echoServer answers every envelope with a reply carrying the negotiated
// codec name as payload.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, nil, Options{WriteTimeout: time.Second})
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			env, err := conn.ReadEnvelope()
			if err != nil {
				var decodeErr *protocol.DecodeError
				if errors.As(err, &decodeErr) {
					_ = conn.WriteEnvelope(protocol.Notice(protocol.KindInvalidPackage, "", "", decodeErr.Error()))
					continue
				}
				return
			}
			payload, _ := protocol.NewPayload(string(conn.Codec().Format()))
			if err := conn.WriteEnvelope(env.Reply(payload)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnNegotiatesCodecFromFirstFrame(t *testing.T) {
	testlog.Start(t)
	uri := echoServer(t)
	for _, format := range []protocol.Format{protocol.FormatJSON, protocol.FormatMsgpack} {
		t.Run(string(format), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := Dial(ctx, uri, format, nil, Options{WriteTimeout: time.Second}, time.Second)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer conn.Close()

			req := protocol.Envelope{Nonce: "n-1", Source: "telegram", Destination: "discord", Kind: protocol.KindMessage}
			if err := conn.WriteEnvelope(req); err != nil {
				t.Fatalf("write: %v", err)
			}
			resp, err := conn.ReadEnvelope()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			var got string
			if err := resp.Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Nonce != "n-1" || got != string(format) {
				t.Fatalf("unexpected reply nonce=%q codec=%q", resp.Nonce, got)
			}
		})
	}
}

func TestConnMalformedFrameKeepsConnection(t *testing.T) {
	testlog.Start(t)
	uri := echoServer(t)
	ws, _, err := websocket.DefaultDialer.Dial(uri, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := NewConn(ws, protocol.JSONCodec{}, Options{})
	defer conn.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	notice, err := conn.ReadEnvelope()
	if err != nil {
		t.Fatalf("read notice: %v", err)
	}
	if notice.Kind != protocol.KindInvalidPackage {
		t.Fatalf("expected invalid package notice, got=%s", notice.Kind)
	}
	if err := conn.WriteEnvelope(protocol.Envelope{Nonce: "n-2", Destination: "x", Kind: protocol.KindMessage}); err != nil {
		t.Fatalf("write after garbage: %v", err)
	}
	resp, err := conn.ReadEnvelope()
	if err != nil || resp.Nonce != "n-2" {
		t.Fatalf("connection unusable after garbage resp=%+v err=%v", resp, err)
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	uri := echoServer(t)
	conn, err := Dial(context.Background(), uri, protocol.FormatJSON, nil, Options{}, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close()
	_ = conn.Close()
	select {
	case <-conn.Done():
	default:
		t.Fatalf("done must be closed")
	}
	if err := conn.WriteEnvelope(protocol.Envelope{Nonce: "n", Destination: "x", Kind: protocol.KindMessage}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := conn.ReadEnvelope(); err == nil {
		t.Fatalf("read after close must fail")
	}
}

func TestDialUnsupportedFormat(t *testing.T) {
	testlog.Start(t)
	if _, err := Dial(context.Background(), "ws://127.0.0.1:1/", "xml", nil, Options{}, time.Second); !errors.Is(err, protocol.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestIsClosed(t *testing.T) {
	testlog.Start(t)
	if IsClosed(nil) {
		t.Fatalf("nil is not closed")
	}
	if !IsClosed(ErrClosed) {
		t.Fatalf("ErrClosed must be closed")
	}
	if !IsClosed(&websocket.CloseError{Code: websocket.CloseNormalClosure}) {
		t.Fatalf("normal closure must be closed")
	}
	if IsClosed(errors.New("boom")) {
		t.Fatalf("arbitrary error is not a close")
	}
}
