package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCancelled.Terminal())
}

func TestCountersBalanced(t *testing.T) {
	require.True(t, Counters{}.Balanced())
	require.True(t, Counters{Inserted: 2, Updated: 1, Kept: 3, Skipped: 1, Encountered: 7}.Balanced())
	// Orphan deletions sit outside the encountered balance.
	require.True(t, Counters{Inserted: 1, Deleted: 5, Encountered: 1}.Balanced())
	require.False(t, Counters{Inserted: 1, Encountered: 2}.Balanced())
}

func TestCountersAdd(t *testing.T) {
	a := Counters{Inserted: 1, Updated: 2, Kept: 3, Deleted: 4, Skipped: 5, Encountered: 11}
	b := Counters{Inserted: 10, Encountered: 10}
	sum := a.Add(b)
	require.Equal(t, Counters{Inserted: 11, Updated: 2, Kept: 3, Deleted: 4, Skipped: 5, Encountered: 21}, sum)
	require.Equal(t, a, a.Add(Counters{}))
}
