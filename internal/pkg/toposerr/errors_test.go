package toposerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestNewAndIs(t *testing.T) {
	err := New(InvalidInput, "bad subnet id %s", "0xdead")
	require.True(t, Is(err, InvalidInput))
	require.False(t, Is(err, Overloaded))
	require.Contains(t, err.Error(), "bad subnet id 0xdead")
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(UnableToGetSourceHead, cause, "commit failed")
	require.ErrorIs(t, err, cause)
	require.True(t, Is(err, UnableToGetSourceHead))
}

func TestGRPCCodeMapping(t *testing.T) {
	cases := map[Kind]codes.Code{
		InvalidInput:           codes.InvalidArgument,
		UnexpectedPrev:         codes.FailedPrecondition,
		AlreadyExists:          codes.OK,
		Overloaded:             codes.ResourceExhausted,
		PendingStreamNotFound:  codes.NotFound,
		UnableToPushPeerList:   codes.Unavailable,
		UnableToGetSourceHead:  codes.Unavailable,
		BroadcastFailed:        codes.DeadlineExceeded,
		Die:                    codes.Internal,
	}
	for kind, want := range cases {
		require.Equal(t, want, kind.GRPCCode(), "kind %s", kind)
	}
}

func TestRetryable(t *testing.T) {
	require.True(t, Overloaded.Retryable())
	require.True(t, UnableToGetSourceHead.Retryable())
	require.True(t, BroadcastFailed.Retryable())
	require.False(t, InvalidInput.Retryable())
	require.False(t, Die.Retryable())
}
