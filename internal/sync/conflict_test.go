package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveLastWriteWins(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	// Strictly newer local edit survives.
	require.Equal(t, KeepLocal, Resolve(t2, t1))

	// Remote newer or exactly as new wins; the server copy already carries
	// canonical identity, so ties converge to it.
	require.Equal(t, TakeRemote, Resolve(t1, t2))
	require.Equal(t, TakeRemote, Resolve(t1, t1))
}

func TestDecisionString(t *testing.T) {
	require.Equal(t, "keep_local", KeepLocal.String())
	require.Equal(t, "take_remote", TakeRemote.String())
}
