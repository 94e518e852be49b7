package ulid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewProducesValidMonotonicIDs(t *testing.T) {
	a := New()
	b := New()
	require.True(t, IsValid(a))
	require.True(t, IsValid(b))
	require.NotEqual(t, a, b)
	require.Less(t, a, b) // ULIDs generated from the same monotonic source sort lexically by creation order
}

func TestNewFromTimeRoundTrips(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id := NewFromTime(at)

	got, err := Time(id)
	require.NoError(t, err)
	require.WithinDuration(t, at, got, time.Second)
}

func TestIsValidRejectsGarbage(t *testing.T) {
	require.False(t, IsValid("not-a-ulid"))
}
