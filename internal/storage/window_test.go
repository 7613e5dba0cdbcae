package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxbudget/internal/window"
)

func snapshot(texts ...string) window.Snapshot {
	snap := window.Snapshot{MaxTokens: 1000, Policy: window.PolicySelective, State: window.StateNominal}
	for _, text := range texts {
		snap.Entries = append(snap.Entries, window.Entry{
			Role:    "user",
			Text:    text,
			Tokens:  10,
			AddedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		})
		snap.UsedTokens += 10
	}
	return snap
}

func TestWindow_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	entries, err := db.LoadWindow(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, entries)
	_, err = db.LatestWindow(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SaveWindow(ctx, "s1", snapshot("a")))
	require.NoError(t, db.SaveWindow(ctx, "s1", snapshot("a", "b")))

	latest, err := db.LatestWindow(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, 20, latest.Snapshot.UsedTokens)
	assert.Equal(t, window.PolicySelective, latest.Snapshot.Policy)

	entries, err = db.LoadWindow(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[1].Text)
	assert.True(t, entries[0].AddedAt.Equal(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)))
}

func TestWindow_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, db.SaveWindow(ctx, "s1", snapshot("x")))
	}
	require.NoError(t, db.SaveWindow(ctx, "s2", snapshot("y", "z")))

	sessions, err := db.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	byID := map[string]SessionInfo{}
	for _, s := range sessions {
		byID[s.SessionID] = s
	}
	assert.Equal(t, 4, byID["s1"].Versions)
	assert.Equal(t, 20, byID["s2"].UsedTokens)

	removed, err := db.PruneWindows(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	latest, err := db.LatestWindow(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 4, latest.Version)
}
