package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope is one routed unit of communication.
//
// Nonce is assigned by the sender and never rewritten in transit. Source is
// stamped by the server on forward; whatever a link puts there is ignored
// after the handshake.
type Envelope struct {
	Nonce       string          `json:"nonce" msgpack:"nonce"`
	Source      string          `json:"source,omitempty" msgpack:"source,omitempty"`
	Destination string          `json:"destination,omitempty" msgpack:"destination,omitempty"`
	Kind        Kind            `json:"kind" msgpack:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// Handshake is the payload of the first envelope a link sends.
type Handshake struct {
	Secret string `json:"secret"`
}

// NewPayload encodes v as an opaque envelope payload. Raw JSON and byte
// slices holding JSON pass through untouched.
func NewPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("protocol: payload is not valid json")
		}
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	return raw, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPackage)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPackage, err)
	}
	return nil
}

// Reply builds the response to e: same nonce, addressed back to e.Source.
func (e Envelope) Reply(payload json.RawMessage) Envelope {
	return Envelope{
		Nonce:       e.Nonce,
		Destination: e.Source,
		Kind:        KindMessage,
		Payload:     payload,
	}
}

// NewHandshake builds the identification envelope for name.
func NewHandshake(nonce, name, secret string) (Envelope, error) {
	payload, err := NewPayload(Handshake{Secret: secret})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Nonce:       nonce,
		Source:      name,
		Destination: ServerName,
		Kind:        KindHandshake,
		Payload:     payload,
	}, nil
}

// Notice builds a server-generated envelope of one of the notice kinds (or
// the identified acknowledgement) addressed to destination.
func Notice(kind Kind, nonce, destination, reason string) Envelope {
	var payload json.RawMessage
	if reason != "" {
		payload, _ = json.Marshal(reason)
	}
	return Envelope{
		Nonce:       nonce,
		Source:      ServerName,
		Destination: destination,
		Kind:        kind,
		Payload:     payload,
	}
}

// Reason returns the human-readable reason carried by a notice.
func (e Envelope) Reason() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var reason string
	if err := json.Unmarshal(e.Payload, &reason); err != nil {
		return string(e.Payload)
	}
	return reason
}

// NoticeError converts a notice envelope into its typed error. It returns nil
// for non-notice kinds.
func (e Envelope) NoticeError() *NoticeError {
	if !e.Kind.IsNotice() {
		return nil
	}
	return &NoticeError{Kind: e.Kind, Reason: e.Reason()}
}

// Validate runs the structural checks the server applies to steady-state
// traffic from an identified link.
func (e Envelope) Validate() error {
	if !e.Kind.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if strings.TrimSpace(e.Nonce) == "" {
		return ErrMissingNonce
	}
	if e.Kind == KindHandshake {
		if strings.TrimSpace(e.Source) == "" {
			return ErrMissingSource
		}
		return nil
	}
	if strings.TrimSpace(e.Destination) == "" {
		return ErrMissingDestination
	}
	return nil
}
