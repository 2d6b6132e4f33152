package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	var path = filepath.Join(t.TempDir(), "sync_checkpoint.json")
	return NewStore(path), path
}

func TestDefaultsWhenAbsent(t *testing.T) {
	store, _ := tempStore(t)
	var state = store.State()
	require.Nil(t, state.LastSyncValue)
	require.Nil(t, state.LastSyncTime)
	require.Nil(t, state.CurrentTableID)
	require.Equal(t, 0, state.TotalRecordsSynced)
	require.Equal(t, 1, state.CurrentTableSequence)
	require.Empty(t, state.SyncHistory)
}

func TestCorruptFileStartsFresh(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "sync_checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var store = NewStore(path)
	require.Equal(t, 1, store.State().CurrentTableSequence)
	require.Nil(t, store.LastSyncValue())
}

func TestAdvancePersistsAndReloads(t *testing.T) {
	store, path := tempStore(t)
	require.NoError(t, store.Advance(1000, int64(1234), "tblAAA", 1, 1000))
	require.NoError(t, store.Advance(500, int64(5678), "tblBBB", 2, 1500))

	var reloaded = NewStore(path)
	var state = reloaded.State()
	require.Equal(t, 1500, state.TotalRecordsSynced)
	require.EqualValues(t, 5678, state.LastSyncValue)
	require.Equal(t, "tblBBB", *state.CurrentTableID)
	require.Equal(t, 2, state.CurrentTableSequence)
	require.Equal(t, 1500, state.LastBatchOffset)
	require.NotNil(t, state.LastSyncTime)
	require.Len(t, state.SyncHistory, 2)

	// The file holds the documented wire format.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{
		"last_sync_time", "last_sync_value", "total_records_synced",
		"current_table_sequence", "current_table_id", "last_batch_offset", "sync_history",
	} {
		require.Contains(t, raw, key)
	}
}

func TestCursorMonotonicity(t *testing.T) {
	store, _ := tempStore(t)
	var prev int64 = -1
	for i := 0; i < 10; i++ {
		var cursor = int64(i * 100)
		require.NoError(t, store.Advance(100, cursor, "tbl", 1, (i+1)*100))
		var got = store.LastSyncValue().(int64)
		require.Greater(t, got, prev)
		prev = got
	}
}

func TestHistoryBound(t *testing.T) {
	store, path := tempStore(t)
	for i := 0; i < 150; i++ {
		require.NoError(t, store.Advance(10, int64(i), "tbl", 1, (i+1)*10))
	}

	var history = NewStore(path).State().SyncHistory
	require.Len(t, history, 100)
	// Only the most recent 100 entries survive, oldest first.
	require.EqualValues(t, 50, history[0].LastValue)
	require.EqualValues(t, 149, history[99].LastValue)
}

func TestReset(t *testing.T) {
	store, path := tempStore(t)
	require.NoError(t, store.Advance(100, int64(42), "tbl", 3, 100))
	require.NoError(t, store.Reset())

	var state = NewStore(path).State()
	require.Nil(t, state.LastSyncValue)
	require.Equal(t, 0, state.TotalRecordsSynced)
	require.Equal(t, 1, state.CurrentTableSequence)
	require.Empty(t, state.SyncHistory)
}

func TestSaveFailureKeepsMemoryState(t *testing.T) {
	var store = NewStore(filepath.Join(t.TempDir(), "missing", "nested", "checkpoint.json"))
	var err = store.Advance(100, int64(42), "tbl", 1, 100)
	require.Error(t, err)

	// The in-memory state remains the source of truth despite the failed
	// persistence attempt.
	require.EqualValues(t, 42, store.LastSyncValue())
	require.Equal(t, 100, store.State().TotalRecordsSynced)
}

func TestAtomicReplace(t *testing.T) {
	store, path := tempStore(t)
	require.NoError(t, store.Advance(10, int64(1), "tbl", 1, 10))

	// No temp files are left behind next to the checkpoint.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, filepath.Base(path), entries[0].Name())
}

func TestHistoryOrder(t *testing.T) {
	store, _ := tempStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Advance(1, int64(i), fmt.Sprintf("tbl%d", i), 1, i+1))
	}
	var history = store.State().SyncHistory
	for i := 1; i < len(history); i++ {
		require.LessOrEqual(t, history[i-1].Timestamp, history[i].Timestamp)
	}
}
