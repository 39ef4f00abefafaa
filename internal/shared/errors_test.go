package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("x"), KindUnknown},
		{"not found", fmt.Errorf("plan: %w", ErrNotFound), KindNotFound},
		{"validation", Validationf("package %q has no command", "a"), KindValidation},
		{"conflict", ErrConflict, KindConflict},
		{"internal", ErrInternal, KindInternal},
		{"dependency", fmt.Errorf("journal: %w", ErrDependencyFailure), KindDependencyFailure},
		{"canceled", fmt.Errorf("wait: %w", context.Canceled), KindCanceled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"canceled beats validation", errors.Join(ErrValidation, context.Canceled), KindCanceled},
		{"timeout beats dependency", errors.Join(ErrDependencyFailure, ErrTimeout), KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
			assert.True(t, HasKind(tt.err, tt.expected))
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "Validation", KindValidation.String())
	assert.Equal(t, "Canceled", KindCanceled.String())
	assert.Equal(t, "Unknown", Kind(99).String())
}

func TestMarkKind(t *testing.T) {
	base := errors.New("connection refused")

	marked := MarkKind(base, KindDependencyFailure)
	require.Error(t, marked)
	assert.True(t, errors.Is(marked, base))
	assert.True(t, IsDependencyFailure(marked))

	assert.Same(t, marked, MarkKind(marked, KindDependencyFailure))
	assert.Equal(t, base, MarkKind(base, KindUnknown))
	assert.Equal(t, base, MarkKind(base, KindCanceled))
	assert.Equal(t, ErrNotFound, MarkKind(nil, KindNotFound))
	assert.NoError(t, MarkKind(nil, KindCanceled))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ctx"))
	assert.NoError(t, Wrapf(nil, "ctx %d", 1))

	base := errors.New("boom")
	assert.Equal(t, base, Wrap(base, ""))

	wrapped := Wrapf(base, "package %s", "pkgA")
	assert.EqualError(t, wrapped, "package pkgA: boom")
	assert.ErrorIs(t, wrapped, base)
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(fmt.Errorf("x: %w", ErrNotFound)))
	assert.True(t, IsValidation(Validationf("bad")))
	assert.False(t, IsCanceled(nil))
	assert.False(t, IsTimeout(nil))
	assert.True(t, IsTimeout(fmt.Errorf("x: %w", ErrTimeout)))
}
