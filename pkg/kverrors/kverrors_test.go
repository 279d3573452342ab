package kverrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedClass(t *testing.T) {
	err := NotFound.New("missing object %s", "k")
	require.True(t, Is(err, NotFound))
	require.False(t, Is(err, Corruption))
}

func TestIsNilError(t *testing.T) {
	require.False(t, Is(nil, NotFound))
}

func TestKindReturnsFirstMatch(t *testing.T) {
	err := Corruption.New("metadb inconsistency")
	class, ok := Kind(err)
	require.True(t, ok)
	require.Equal(t, Corruption, class)
}

func TestKindUnclassifiedError(t *testing.T) {
	_, ok := Kind(errors.New("plain error"))
	require.False(t, ok)
}

func TestIsSurvivesWrapping(t *testing.T) {
	base := Enospc.New("disk full")
	wrapped := fmt.Errorf("writing chunk: %w", base)
	require.True(t, Is(wrapped, Enospc))
}

func TestUnwrapDelegatesToStdlib(t *testing.T) {
	base := errors.New("root cause")
	wrapped := fmt.Errorf("context: %w", base)
	require.Equal(t, base, Unwrap(wrapped))
}
