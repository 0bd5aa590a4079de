package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewXxxConstructorsSetKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"not found", NewNotFound("missing %s", "x"), KindNotFound},
		{"conflict", NewConflict("dup %s", "x"), KindConflict},
		{"invalid argument", NewInvalidArgument("bad %s", "x"), KindInvalidArgument},
		{"corrupt", NewCorrupt("broken %s", "x"), KindCorrupt},
		{"external", NewExternal("boom", errors.New("inner")), KindExternal},
		{"network", NewNetwork("timeout", errors.New("inner")), KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e *Error
			require.True(t, errors.As(tt.err, &e))
			assert.Equal(t, tt.kind, e.Kind())
			assert.True(t, Has(tt.err, tt.kind))
		})
	}
}

func TestHasFalseForOtherKindsAndPlainErrors(t *testing.T) {
	err := NewNotFound("missing")
	assert.False(t, Has(err, KindNetwork))
	assert.False(t, Has(errors.New("plain"), KindNotFound))
}

func TestErrorIsMatchesSentinelKindOnly(t *testing.T) {
	err := NewNetwork("fetch failed", errors.New("dial tcp: timeout"))
	assert.True(t, errors.Is(err, Network))
	assert.False(t, errors.Is(err, NotFound))
}

func TestErrorUnwrapExposesWrapped(t *testing.T) {
	inner := errors.New("dial tcp: timeout")
	err := NewNetwork("fetch failed", inner)
	assert.ErrorIs(t, err, inner)
}

func TestErrorMessageIncludesWrapped(t *testing.T) {
	err := NewExternal("run gpg", errors.New("exit status 2"))
	assert.Contains(t, err.Error(), "exit status 2")
	assert.Contains(t, err.Error(), "run gpg")
}
