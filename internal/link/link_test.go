package link

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/royalnet/internal/protocol"
	"github.com/danmuck/royalnet/internal/testutil/testlog"
	"github.com/danmuck/royalnet/internal/transport"
)

// fakeHub acknowledges every handshake and hands each later envelope to
// answer, writing back whatever it returns.
func fakeHub(t *testing.T, answer func(env protocol.Envelope) []protocol.Envelope) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r, nil, transport.Options{WriteTimeout: time.Second})
		if err != nil {
			return
		}
		defer conn.Close()
		hs, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		if err := conn.WriteEnvelope(protocol.Notice(protocol.KindIdentified, hs.Nonce, hs.Source, "")); err != nil {
			return
		}
		for {
			env, err := conn.ReadEnvelope()
			if err != nil {
				return
			}
			for _, out := range answer(env) {
				if err := conn.WriteEnvelope(out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func testConfig(uri string) Config {
	cfg := DefaultConfig()
	cfg.Name = "telegram"
	cfg.ServerURI = uri
	cfg.Secret = "s3cret"
	cfg.Session.RequestTimeout = 200 * time.Millisecond
	cfg.Session.ConnectTimeout = time.Second
	cfg.Session.HandshakeTimeout = time.Second
	return cfg
}

func connected(t *testing.T, cfg Config) *Link {
	t.Helper()
	l, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return l
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"missing name", Config{ServerURI: "ws://x/"}, ErrNameRequired},
		{"reserved name", Config{Name: "server", ServerURI: "ws://x/"}, ErrReservedName},
		{"missing uri", Config{Name: "a"}, ErrServerURIRequired},
		{"http uri", Config{Name: "a", ServerURI: "http://x/"}, ErrInvalidServerURI},
		{"bad format", Config{Name: "a", ServerURI: "ws://x/", Format: "xml"}, protocol.ErrUnsupportedFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg, nil); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	l, err := New(Config{Name: " discord ", ServerURI: "wss://hub.example/"}, nil)
	if err != nil {
		t.Fatalf("valid config: %v", err)
	}
	if l.Name() != "discord" || l.cfg.Format != protocol.FormatJSON {
		t.Fatalf("defaults not applied name=%q format=%q", l.Name(), l.cfg.Format)
	}
}

func TestStateString(t *testing.T) {
	testlog.Start(t)
	want := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateHandshaking:  "handshaking",
		StateIdentified:   "identified",
		State(9):          "state(9)",
	}
	for s, name := range want {
		if s.String() != name {
			t.Fatalf("state %d got=%q", int32(s), s.String())
		}
	}
}

func TestRequestRequiresConnection(t *testing.T) {
	testlog.Start(t)
	l, err := New(testConfig("ws://127.0.0.1:1/"), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := l.Request(ctx, "discord", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := l.Request(ctx, " ", "hi"); !errors.Is(err, protocol.ErrMissingDestination) {
		t.Fatalf("expected ErrMissingDestination, got %v", err)
	}
	if _, err := l.Request(ctx, "telegram", "hi"); !errors.Is(err, ErrSelfRequest) {
		t.Fatalf("expected ErrSelfRequest, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := l.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("connect after close got=%v", err)
	}
}

func TestConnectUnreachableServer(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := testConfig("ws://" + addr + "/")
	cfg.MaxConnectAttempts = 2
	cfg.Session.Backoff.InitialDelay = 5 * time.Millisecond
	cfg.Session.Backoff.MaxDelay = 10 * time.Millisecond
	l, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()
	if err := l.Connect(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	err = l.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "giving up after 2 attempts") {
		t.Fatalf("run must give up got=%v", err)
	}
}

func TestRequestIgnoresResponseFromWrongSource(t *testing.T) {
	testlog.Start(t)
	uri := fakeHub(t, func(env protocol.Envelope) []protocol.Envelope {
		spoofed := env.Reply([]byte(`"spoofed"`))
		spoofed.Source = "matrix"
		return []protocol.Envelope{spoofed}
	})
	l := connected(t, testConfig(uri))
	_, err := l.Request(context.Background(), "discord", "hi")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if l.Pending() != 0 {
		t.Fatalf("timed out request must leave the table got=%d", l.Pending())
	}
}

func TestRequestHonoursContext(t *testing.T) {
	testlog.Start(t)
	uri := fakeHub(t, func(protocol.Envelope) []protocol.Envelope { return nil })
	cfg := testConfig(uri)
	cfg.Session.RequestTimeout = 5 * time.Second
	l := connected(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if _, err := l.Request(ctx, "discord", "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	deadline, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	if _, err := l.Request(deadline, "discord", "hi"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout from deadline, got %v", err)
	}
}

func TestRequestSurfacesNotice(t *testing.T) {
	testlog.Start(t)
	uri := fakeHub(t, func(env protocol.Envelope) []protocol.Envelope {
		return []protocol.Envelope{
			protocol.Notice(protocol.KindServerFault, "", env.Source, "stray"),
			protocol.Notice(protocol.KindServerFault, env.Nonce, env.Source, "the server failed to deliver the envelope"),
		}
	})
	l := connected(t, testConfig(uri))
	_, err := l.Request(context.Background(), "discord", "hi")
	if !errors.Is(err, protocol.ErrServerFault) {
		t.Fatalf("expected ErrServerFault, got %v", err)
	}
	if requestOutcome(err) != string(protocol.KindServerFault) {
		t.Fatalf("outcome got=%q", requestOutcome(err))
	}
	if l.State() != StateIdentified {
		t.Fatalf("notice must not drop the link got=%v", l.State())
	}
}

func TestUnsolicitedRequestWithoutHandler(t *testing.T) {
	testlog.Start(t)
	replies := make(chan protocol.Envelope, 1)
	uri := fakeHub(t, func(env protocol.Envelope) []protocol.Envelope {
		if env.Nonce == "trigger" {
			return []protocol.Envelope{{Nonce: "inbound", Source: "discord", Destination: "telegram", Kind: protocol.KindMessage}}
		}
		replies <- env
		return nil
	})
	l := connected(t, testConfig(uri))
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if err := conn.WriteEnvelope(protocol.Envelope{Nonce: "trigger", Destination: "discord", Kind: protocol.KindMessage}); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	select {
	case reply := <-replies:
		msg, ok := protocol.DecodeFailure(reply.Payload)
		if reply.Nonce != "inbound" || reply.Destination != "discord" || !ok || msg != errNoHandler.Error() {
			t.Fatalf("unexpected reply %+v", reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply from link")
	}
}

func TestRequestOutcomeLabels(t *testing.T) {
	testlog.Start(t)
	cases := map[string]error{
		"ok":            nil,
		"timeout":       ErrTimeout,
		"not_connected": ErrNotConnected,
		"cancelled":     context.Canceled,
		"error":         errors.New("other"),
		"invalid_destination": &protocol.NoticeError{
			Kind: protocol.KindInvalidDestination,
		},
	}
	for want, err := range cases {
		if got := requestOutcome(err); got != want {
			t.Fatalf("err=%v got=%q want=%q", err, got, want)
		}
	}
}

func TestRepeatedInboundNonceIsServedOnce(t *testing.T) {
	testlog.Start(t)
	replies := make(chan protocol.Envelope, 4)
	uri := fakeHub(t, func(env protocol.Envelope) []protocol.Envelope {
		if env.Nonce == "trigger" {
			inbound := protocol.Envelope{Nonce: "inbound", Source: "discord", Destination: "telegram", Kind: protocol.KindMessage}
			after := inbound
			after.Nonce = "after"
			return []protocol.Envelope{inbound, inbound, after}
		}
		replies <- env
		return nil
	})
	l := connected(t, testConfig(uri))
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if err := conn.WriteEnvelope(protocol.Envelope{Nonce: "trigger", Destination: "discord", Kind: protocol.KindMessage}); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	seen := map[string]int{}
	for len(seen) < 2 {
		select {
		case reply := <-replies:
			seen[reply.Nonce]++
		case <-time.After(5 * time.Second):
			t.Fatalf("missing replies got=%v", seen)
		}
	}
	select {
	case reply := <-replies:
		t.Fatalf("nonce answered twice got=%+v", reply)
	case <-time.After(200 * time.Millisecond):
	}
	if seen["inbound"] != 1 || seen["after"] != 1 {
		t.Fatalf("unexpected replies got=%v", seen)
	}
}

func TestHandshakeRefusalOtherThanSecretIsRetryable(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r, nil, transport.Options{WriteTimeout: time.Second})
		if err != nil {
			return
		}
		defer conn.Close()
		hs, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		_ = conn.WriteEnvelope(protocol.Notice(protocol.KindInvalidPackage, hs.Nonce, "", "name already connected"))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig("ws" + strings.TrimPrefix(srv.URL, "http") + "/")
	cfg.MaxConnectAttempts = 3
	cfg.Session.Backoff.InitialDelay = 5 * time.Millisecond
	cfg.Session.Backoff.MaxDelay = 10 * time.Millisecond
	l, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()
	err = l.Connect(context.Background())
	if !errors.Is(err, ErrNotConnected) || !errors.Is(err, protocol.ErrInvalidPackage) || errors.Is(err, ErrNotIdentified) {
		t.Fatalf("name refusal must be a retryable connect failure got=%v", err)
	}
	err = l.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "giving up after 3 attempts") {
		t.Fatalf("run must keep retrying a name refusal got=%v", err)
	}
}
