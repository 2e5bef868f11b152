package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/royalnet/internal/testutil/testlog"
)

func TestSharedSecretValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty secret denied", stored: "", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched secret denied", stored: "S", input: "s", wantErr: ErrUnauthorized},
		{name: "prefix denied", stored: "secret", input: "sec", wantErr: ErrUnauthorized},
		{name: "matching secret accepted", stored: "S", input: "S", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (SharedSecret{Secret: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(secret string) error {
		if secret != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad secret, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok secret, got %v", err)
	}
}
