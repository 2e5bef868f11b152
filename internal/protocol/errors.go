package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSecret      = errors.New("protocol: invalid secret")
	ErrInvalidDestination = errors.New("protocol: invalid destination")
	ErrInvalidPackage     = errors.New("protocol: invalid package")
	ErrServerFault        = errors.New("protocol: server fault")

	ErrUnknownKind        = errors.New("protocol: unknown kind")
	ErrMissingNonce       = errors.New("protocol: missing nonce")
	ErrMissingSource      = errors.New("protocol: missing source")
	ErrMissingDestination = errors.New("protocol: missing destination")
	ErrUnsupportedFormat  = errors.New("protocol: unsupported codec format")
)

// NoticeError is a notice received from the server, surfaced to the caller
// that caused it. It unwraps to the sentinel matching its kind.
type NoticeError struct {
	Kind   Kind
	Reason string
}

func (e *NoticeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("protocol: %s notice", e.Kind)
	}
	return fmt.Sprintf("protocol: %s notice: %s", e.Kind, e.Reason)
}

func (e *NoticeError) Unwrap() error {
	return sentinelFor(e.Kind)
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindInvalidSecret:
		return ErrInvalidSecret
	case KindInvalidDestination:
		return ErrInvalidDestination
	case KindInvalidPackage:
		return ErrInvalidPackage
	case KindServerFault:
		return ErrServerFault
	default:
		return nil
	}
}

// DecodeError marks bytes that arrived intact but did not decode into an envelope.
type DecodeError struct {
	Format Format
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode %s envelope: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
