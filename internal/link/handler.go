package link

import (
	"context"
	"encoding/json"

	"github.com/danmuck/royalnet/internal/protocol"
)

// Message is an unsolicited request delivered to a Handler.
type Message struct {
	Nonce   string
	Source  string
	Payload json.RawMessage
}

// Decode unmarshals the request payload into v.
func (m Message) Decode(v any) error {
	return protocol.Envelope{Payload: m.Payload}.Decode(v)
}

// Handler answers messages that are not responses to this link's own
// requests. The returned value becomes the reply payload; an error becomes
// a protocol.Failure reply.
type Handler interface {
	Handle(ctx context.Context, msg Message) (any, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, msg Message) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg Message) (any, error) {
	return f(ctx, msg)
}
