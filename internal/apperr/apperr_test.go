package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error", base, KindUnknown},
		{"nil", nil, KindUnknown},
		{"not found", NotFound("op", "contact %s", "c1"), KindNotFound},
		{"wrapped conflict", fmt.Errorf("outer: %w", Conflict("op", "dup")), KindConflict},
		{"wrap keeps cause", Wrap(KindConnection, "op", base), KindConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindConnection, "op", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := Wrap(KindCredentialPersistence, "keystore.SaveCredential", base)
	if got, want := err.Error(), "keystore.SaveCredential: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, base) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !Is(err, KindCredentialPersistence) {
		t.Error("Is should match the kind")
	}
}
