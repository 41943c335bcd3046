package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckpointLifecycle(t *testing.T) {
	cp, err := OpenCheckpoint(t.TempDir())
	require.NoError(t, err)
	defer cp.Close()

	_, ok, err := cp.Load("m1")
	require.NoError(t, err)
	require.False(t, ok)

	start := time.Unix(1700000000, 0)
	require.NoError(t, cp.Start("m1", "session-1", start))
	require.NoError(t, cp.MarkShardComplete("m1", 0))
	require.NoError(t, cp.MarkShardComplete("m1", 1))

	st, ok, err := cp.Load("m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "session-1", st.SessionID)
	require.Equal(t, "downloading", st.Status)
	require.Equal(t, []int{0, 1}, st.CompletedShards)

	require.NoError(t, cp.DropShard("m1", 1))
	st, _, err = cp.Load("m1")
	require.NoError(t, err)
	require.Equal(t, []int{0}, st.CompletedShards)

	require.NoError(t, cp.SetStatus("m1", "paused"))
	st, _, err = cp.Load("m1")
	require.NoError(t, err)
	require.Equal(t, "paused", st.Status)

	require.NoError(t, cp.Clear("m1"))
	_, ok, err = cp.Load("m1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckpointRestartKeepsShardProgress(t *testing.T) {
	cp, err := OpenCheckpoint(t.TempDir())
	require.NoError(t, err)
	defer cp.Close()

	require.NoError(t, cp.Start("m1", "session-1", time.Unix(1700000000, 0)))
	require.NoError(t, cp.MarkShardComplete("m1", 0))
	require.NoError(t, cp.Start("m1", "session-2", time.Unix(1700000100, 0)))

	st, ok, err := cp.Load("m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "session-2", st.SessionID)
	require.Equal(t, []int{0}, st.CompletedShards, "resumed session keeps prior shard progress")
}
