// Package auth checks the shared secret a link presents at handshake time.
//
// A deployment has exactly one secret; there are no per-client credentials.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator decides whether a presented secret is accepted.
type Validator interface {
	Validate(secret string) error
}

// SharedSecret accepts exactly one configured secret. An empty configured
// secret accepts nothing.
type SharedSecret struct {
	Secret string
}

func (s SharedSecret) Validate(secret string) error {
	if s.Secret == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Secret), []byte(secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(secret string) error

func (f FuncValidator) Validate(secret string) error {
	return f(secret)
}
