package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/royalnet/internal/testutil/testlog"
)

func TestCodecRoundTripPreservesEnvelope(t *testing.T) {
	testlog.Start(t)
	payload, err := NewPayload(map[string]any{"cmd": "ping"})
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	in := Envelope{
		Nonce:       "n-1",
		Source:      "telegram",
		Destination: "discord",
		Kind:        KindMessage,
		Payload:     payload,
	}
	for _, format := range []Format{FormatJSON, FormatMsgpack} {
		t.Run(string(format), func(t *testing.T) {
			codec, err := NewCodec(format)
			if err != nil {
				t.Fatalf("codec: %v", err)
			}
			raw, err := codec.Marshal(in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out Envelope
			if err := codec.Unmarshal(raw, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.Nonce != in.Nonce || out.Source != in.Source || out.Destination != in.Destination || out.Kind != in.Kind {
				t.Fatalf("envelope mismatch: got=%+v want=%+v", out, in)
			}
			if !bytes.Equal(out.Payload, in.Payload) {
				t.Fatalf("payload mismatch: got=%s want=%s", out.Payload, in.Payload)
			}
		})
	}
}

func TestCodecUnmarshalGarbageIsDecodeError(t *testing.T) {
	testlog.Start(t)
	for _, format := range []Format{FormatJSON, FormatMsgpack} {
		codec, _ := NewCodec(format)
		var env Envelope
		err := codec.Unmarshal([]byte{0xc1, '{', 'x'}, &env)
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("format=%s expected DecodeError, got %v", format, err)
		}
		if decodeErr.Format != format {
			t.Fatalf("format=%s decode error format got=%s", format, decodeErr.Format)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		raw     string
		want    Format
		wantErr bool
	}{
		{raw: "", want: FormatJSON},
		{raw: " JSON ", want: FormatJSON},
		{raw: "msgpack", want: FormatMsgpack},
		{raw: "messagepack", want: FormatMsgpack},
		{raw: "xml", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseFormat(tc.raw)
		if tc.wantErr {
			if !errors.Is(err, ErrUnsupportedFormat) {
				t.Fatalf("raw=%q expected ErrUnsupportedFormat, got %v", tc.raw, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("raw=%q got=%q err=%v", tc.raw, got, err)
		}
	}
}

func TestValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		env     Envelope
		wantErr error
	}{
		{name: "message ok", env: Envelope{Nonce: "n", Destination: "discord", Kind: KindMessage}},
		{name: "handshake ok", env: Envelope{Nonce: "n", Source: "telegram", Kind: KindHandshake}},
		{name: "unknown kind", env: Envelope{Nonce: "n", Destination: "discord", Kind: "teleport"}, wantErr: ErrUnknownKind},
		{name: "missing nonce", env: Envelope{Destination: "discord", Kind: KindMessage}, wantErr: ErrMissingNonce},
		{name: "missing destination", env: Envelope{Nonce: "n", Kind: KindMessage}, wantErr: ErrMissingDestination},
		{name: "handshake missing source", env: Envelope{Nonce: "n", Kind: KindHandshake}, wantErr: ErrMissingSource},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected err: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNoticeErrorUnwrapsToKindSentinel(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		kind Kind
		want error
	}{
		{kind: KindInvalidSecret, want: ErrInvalidSecret},
		{kind: KindInvalidDestination, want: ErrInvalidDestination},
		{kind: KindInvalidPackage, want: ErrInvalidPackage},
		{kind: KindServerFault, want: ErrServerFault},
	}
	for _, tc := range tests {
		env := Notice(tc.kind, "n-7", "telegram", "no such destination")
		if env.Source != ServerName {
			t.Fatalf("kind=%s unexpected source=%q", tc.kind, env.Source)
		}
		noticeErr := env.NoticeError()
		if noticeErr == nil {
			t.Fatalf("kind=%s expected notice error", tc.kind)
		}
		if !errors.Is(noticeErr, tc.want) {
			t.Fatalf("kind=%s expected errors.Is %v", tc.kind, tc.want)
		}
		if noticeErr.Reason != "no such destination" {
			t.Fatalf("kind=%s reason got=%q", tc.kind, noticeErr.Reason)
		}
	}
	if (Envelope{Kind: KindMessage}).NoticeError() != nil {
		t.Fatalf("message kind must not produce a notice error")
	}
}

func TestReplyKeepsNonceAndTargetsSource(t *testing.T) {
	req := Envelope{Nonce: "abc", Source: "telegram", Destination: "discord", Kind: KindMessage}
	resp := req.Reply(json.RawMessage(`{"echo":true}`))
	if resp.Nonce != "abc" || resp.Destination != "telegram" || resp.Kind != KindMessage {
		t.Fatalf("unexpected reply: %+v", resp)
	}
}

func TestHandshakeCarriesSecret(t *testing.T) {
	env, err := NewHandshake("n", "telegram", "S")
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	var hs Handshake
	if err := env.Decode(&hs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hs.Secret != "S" || env.Source != "telegram" || env.Destination != ServerName {
		t.Fatalf("unexpected handshake: %+v secret=%q", env, hs.Secret)
	}
}

func TestNewPayloadRejectsInvalidRawBytes(t *testing.T) {
	if _, err := NewPayload([]byte("{nope")); err == nil {
		t.Fatalf("expected invalid json error")
	}
	raw, err := NewPayload([]byte(`{"ok":1}`))
	if err != nil || string(raw) != `{"ok":1}` {
		t.Fatalf("raw passthrough got=%s err=%v", raw, err)
	}
}

func TestFailurePayloadRoundTrip(t *testing.T) {
	payload := FailurePayload(errors.New("no voice channel"))
	msg, ok := DecodeFailure(payload)
	if !ok || msg != "no voice channel" {
		t.Fatalf("decode failure got=%q ok=%v", msg, ok)
	}
	if _, ok := DecodeFailure(json.RawMessage(`{"echo":true}`)); ok {
		t.Fatalf("plain payload must not decode as failure")
	}
	if _, ok := DecodeFailure(json.RawMessage(`{"failed":true,"error":"x","extra":1}`)); ok {
		t.Fatalf("payload with extra keys must not decode as failure")
	}
	if _, ok := DecodeFailure(json.RawMessage(`{"error":"not found"}`)); ok {
		t.Fatalf("a result with an error field is not a failure body")
	}
	if _, ok := DecodeFailure(json.RawMessage(`{"failed":false,"error":"x"}`)); ok {
		t.Fatalf("failed=false is not a failure body")
	}
}
