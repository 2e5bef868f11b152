package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Format names an envelope serialization.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// Codec serializes envelopes for one transport frame each. Framing belongs
// to the transport.
type Codec interface {
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
	Format() Format
}

// ParseFormat normalizes a configured codec name. Empty means json.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMsgpack, "messagepack":
		return FormatMsgpack, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// NewCodec creates a codec for format.
func NewCodec(format Format) (Codec, error) {
	switch format {
	case FormatJSON:
		return JSONCodec{}, nil
	case FormatMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// JSONCodec encodes envelopes as one JSON object per frame.
type JSONCodec struct{}

func (JSONCodec) Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Unmarshal(data []byte, env *Envelope) error {
	var out Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		return &DecodeError{Format: FormatJSON, Err: err}
	}
	*env = out
	return nil
}

func (JSONCodec) Format() Format {
	return FormatJSON
}

// MsgpackCodec encodes envelopes with MessagePack. The payload stays JSON
// bytes inside a msgpack bin field, so it crosses codecs unchanged.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(env Envelope) ([]byte, error) {
	return msgpack.Marshal(&env)
}

func (MsgpackCodec) Unmarshal(data []byte, env *Envelope) error {
	var out Envelope
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return &DecodeError{Format: FormatMsgpack, Err: err}
	}
	*env = out
	return nil
}

func (MsgpackCodec) Format() Format {
	return FormatMsgpack
}
