package backuperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNilPassthrough(t *testing.T) {
	assert.NoError(t, New(Transport, "op", nil))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	underlying := errors.New("connection reset")
	err := New(Transport, "walrecv.Run", underlying)

	assert.EqualError(t, err, "transport: walrecv.Run: connection reset")
	assert.ErrorIs(t, err, underlying)
}

func TestIsMatchesClassifiedKindThroughWrapping(t *testing.T) {
	base := New(Filesystem, "dirwalk.Walk", errors.New("permission denied"))
	wrapped := fmt.Errorf("session.sendBatch: %w", base)

	assert.True(t, Is(wrapped, Filesystem))
	assert.False(t, Is(wrapped, Protocol))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "invariant", Invariant.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
