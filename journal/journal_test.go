package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecentEvents(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(Event{
		RunID: "run-1", Contest: "omc1", Kind: "tasks", ItemID: "101",
		Lang: "ja", Action: ActionFetched, Bytes: 42,
	}))
	require.NoError(t, j.Record(Event{
		RunID: "run-1", Contest: "omc1", Kind: "tasks", ItemID: "101",
		Lang: "en", Action: ActionTranslated, Bytes: 57,
	}))

	events, err := j.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first.
	assert.Equal(t, ActionTranslated, events[0].Action)
	assert.Equal(t, "en", events[0].Lang)
	assert.Equal(t, 57, events[0].Bytes)
	assert.Equal(t, ActionFetched, events[1].Action)
	assert.False(t, events[1].Time.IsZero())
}

func TestRecentEvents_Limit(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Record(Event{RunID: "r", Contest: "c", Kind: "tasks", ItemID: "1", Lang: "en", Action: ActionSkipped}))
	}

	events, err := j.RecentEvents(3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
