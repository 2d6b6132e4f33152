package pump

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qq940500529/bitsync/bitable"
	"github.com/qq940500529/bitsync/checkpoint"
	"github.com/qq940500529/bitsync/oracle"
	"github.com/qq940500529/bitsync/shard"
)

// fakeSource serves an in-memory ORDERS table with a numeric ID sync column.
type fakeSource struct {
	rows   []oracle.Row
	reads  []oracle.PageRequest
	closed bool
}

func newFakeSource(n int) *fakeSource {
	var s = &fakeSource{}
	for i := 1; i <= n; i++ {
		s.rows = append(s.rows, oracle.Row{"ID": int64(i), "DATA": fmt.Sprintf("row %d", i)})
	}
	return s
}

func (s *fakeSource) Columns(context.Context, string) ([]oracle.Column, error) {
	return []oracle.Column{
		{Name: "ID", DataType: "NUMBER"},
		{Name: "DATA", DataType: "VARCHAR2"},
	}, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	panic(fmt.Sprintf("unexpected cursor type %T", v))
}

func (s *fakeSource) matching(cursorValue any) []oracle.Row {
	if cursorValue == nil {
		return s.rows
	}
	var cursor = asInt64(cursorValue)
	var out []oracle.Row
	for _, row := range s.rows {
		if row["ID"].(int64) > cursor {
			out = append(out, row)
		}
	}
	return out
}

func (s *fakeSource) Count(_ context.Context, _ string, cursorColumn string, cursorValue any) (int, error) {
	if cursorColumn == "" {
		return len(s.rows), nil
	}
	return len(s.matching(cursorValue)), nil
}

func (s *fakeSource) ReadPage(_ context.Context, req oracle.PageRequest) ([]oracle.Row, error) {
	s.reads = append(s.reads, req)
	var matching = s.rows
	if req.CursorColumn != "" {
		matching = s.matching(req.CursorValue)
	}
	sort.Slice(matching, func(i, j int) bool {
		return matching[i]["ID"].(int64) < matching[j]["ID"].(int64)
	})
	if req.Offset >= len(matching) {
		return nil, nil
	}
	var end = req.Offset + req.PageSize
	if end > len(matching) {
		end = len(matching)
	}
	return matching[req.Offset:end], nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// fakeDest is an in-memory destination recording created tables and rows.
type fakeDest struct {
	nextID  int
	tables  map[string]*fakeTable
	created []string // creation order, by name

	writeCalls  int
	failOnWrite int // 1-based write call which fails; 0 disables
}

type fakeTable struct {
	name   string
	fields []bitable.Field
	rows   []map[string]any
}

func newFakeDest() *fakeDest {
	return &fakeDest{tables: map[string]*fakeTable{}}
}

func (d *fakeDest) CreateTable(_ context.Context, name string, fields []bitable.Field) (string, error) {
	d.nextID++
	var id = fmt.Sprintf("tbl%03d", d.nextID)
	d.tables[id] = &fakeTable{name: name, fields: append([]bitable.Field(nil), fields...)}
	d.created = append(d.created, name)
	return id, nil
}

func (d *fakeDest) ListFields(_ context.Context, tableID string) ([]bitable.Field, error) {
	return d.tables[tableID].fields, nil
}

func (d *fakeDest) CreateField(_ context.Context, tableID string, field bitable.Field) error {
	d.tables[tableID].fields = append(d.tables[tableID].fields, field)
	return nil
}

func (d *fakeDest) TableRowCount(_ context.Context, tableID string) (int, error) {
	return len(d.tables[tableID].rows), nil
}

func (d *fakeDest) BatchCreateRecords(_ context.Context, tableID string, records []map[string]any) ([]string, error) {
	if len(records) > bitable.MaxRecordsPerCall {
		return nil, bitable.ErrBatchTooLarge
	}
	d.writeCalls++
	if d.failOnWrite != 0 && d.writeCalls >= d.failOnWrite {
		return nil, fmt.Errorf("simulated destination outage")
	}
	d.tables[tableID].rows = append(d.tables[tableID].rows, records...)
	var ids = make([]string, len(records))
	for i := range ids {
		ids[i] = fmt.Sprintf("rec%d", len(d.tables[tableID].rows)-len(records)+i)
	}
	return ids, nil
}

// allIDs collects every ID written across all tables, duplicates included.
func (d *fakeDest) allIDs() []int64 {
	var ids []int64
	for _, tbl := range d.tables {
		for _, rec := range tbl.rows {
			ids = append(ids, asInt64(rec["ID"]))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func newTestPump(source *fakeSource, dest *fakeDest, store *checkpoint.Store, maxRowsPerShard int, fullSync bool) *Pump {
	var alloc = shard.NewAllocator(dest, shard.Config{
		TableNamePrefix: "DataSync",
		MaxRowsPerShard: maxRowsPerShard,
	})
	return New(source, dest, alloc, store, Config{
		TableName:      "ORDERS",
		SyncColumn:     "ID",
		PrimaryKey:     "ID",
		ReadBatchSize:  1000,
		WriteBatchSize: 500,
		FullSync:       fullSync,
	})
}

func TestEndToEndScenario(t *testing.T) {
	var ctx = context.Background()
	var source = newFakeSource(2500)
	var dest = newFakeDest()
	var store = checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	var p = newTestPump(source, dest, store, 2000, false)
	stats, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateComplete, p.State())

	// 3 read pages of 1000, 1000, 500.
	require.Len(t, source.reads, 3)
	// 5 write chunks of 500 each.
	require.Equal(t, 5, dest.writeCalls)
	// Two shards: the first filled to its cap, the second holding the rest.
	require.Equal(t, []string{"DataSync_001", "DataSync_002"}, dest.created)
	require.Len(t, dest.tables["tbl001"].rows, 2000)
	require.Len(t, dest.tables["tbl002"].rows, 500)

	require.Equal(t, 2500, stats.RowsSynced)
	require.True(t, source.closed)

	var cp = store.State()
	require.Equal(t, 2500, cp.TotalRecordsSynced)
	require.Equal(t, 2, cp.CurrentTableSequence)
	require.EqualValues(t, 2500, cp.LastSyncValue)
	require.Equal(t, "tbl002", *cp.CurrentTableID)

	// Shard fields come from the declared source schema, not inference.
	require.Equal(t, []bitable.Field{
		{Name: "ID", Type: bitable.FieldTypeNumber},
		{Name: "DATA", Type: bitable.FieldTypeText},
	}, dest.tables["tbl001"].fields)
}

func TestEmptySourceEndsCleanly(t *testing.T) {
	var ctx = context.Background()
	var source = newFakeSource(0)
	var dest = newFakeDest()
	var store = checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	var p = newTestPump(source, dest, store, 2000, false)
	stats, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StateComplete, p.State())
	require.Equal(t, 0, stats.RowsSynced)
	require.Zero(t, stats.Throughput)
	require.Empty(t, dest.created)
	require.True(t, source.closed)
}

func TestCursorMonotonicityAcrossBatches(t *testing.T) {
	var ctx = context.Background()
	var source = newFakeSource(2500)
	var dest = newFakeDest()
	var store = checkpoint.NewStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	var p = newTestPump(source, dest, store, 20000, false)
	_, err := p.Run(ctx)
	require.NoError(t, err)

	var history = store.State().SyncHistory
	require.Len(t, history, 3)
	var prev int64 = -1
	for _, entry := range history {
		var cursor = asInt64(entry.LastValue)
		require.Greater(t, cursor, prev)
		prev = cursor
	}
}

func TestAtLeastOnceResumeAfterWriteFailure(t *testing.T) {
	var ctx = context.Background()
	var path = filepath.Join(t.TempDir(), "checkpoint.json")

	// First run: the destination fails on the fourth write call, midway
	// through the second page. The checkpoint must stay at the first page's
	// cursor.
	var source = newFakeSource(2500)
	var dest = newFakeDest()
	dest.failOnWrite = 4
	var store = checkpoint.NewStore(path)

	var p = newTestPump(source, dest, store, 20000, false)
	_, err := p.Run(ctx)
	require.Error(t, err)
	require.Equal(t, StateFailed, p.State())
	require.True(t, source.closed)

	var cp = store.State()
	require.EqualValues(t, 1000, cp.LastSyncValue)
	require.Equal(t, 1000, cp.TotalRecordsSynced)

	// Second run resumes from the persisted cursor: it must re-read only
	// rows past the first page, leaving earlier rows untouched.
	source = newFakeSource(2500)
	dest.failOnWrite = 0
	var resumed = newTestPump(source, dest, checkpoint.NewStore(path), 20000, false)
	stats, err := resumed.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1500, stats.RowsSynced)

	require.NotEmpty(t, source.reads)
	require.Equal(t, "ID", source.reads[0].CursorColumn)
	require.EqualValues(t, 1000, asInt64(source.reads[0].CursorValue))

	// Every source row made it to the destination; the one chunk written
	// before the simulated crash is duplicated, never lost.
	var ids = dest.allIDs()
	var seen = map[int64]int{}
	for _, id := range ids {
		seen[id]++
	}
	for i := int64(1); i <= 2500; i++ {
		require.GreaterOrEqual(t, seen[i], 1, "row %d was lost", i)
	}
	for i := int64(1); i <= 1000; i++ {
		require.Equal(t, 1, seen[i], "row %d from a committed batch was re-delivered", i)
	}

	require.Equal(t, 2500, checkpoint.NewStore(path).State().TotalRecordsSynced)
}

func TestFullSyncIgnoresCheckpoint(t *testing.T) {
	var ctx = context.Background()
	var path = filepath.Join(t.TempDir(), "checkpoint.json")

	var store = checkpoint.NewStore(path)
	require.NoError(t, store.Advance(500, int64(500), "tblOld", 1, 500))

	var source = newFakeSource(1200)
	var dest = newFakeDest()
	var p = newTestPump(source, dest, store, 20000, true)

	stats, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1200, stats.RowsSynced)

	// The stale cursor was discarded: the first read carries no filter.
	require.NotEmpty(t, source.reads)
	require.Equal(t, "", source.reads[0].CursorColumn)

	var cp = store.State()
	require.Equal(t, 1200, cp.TotalRecordsSynced)
	require.EqualValues(t, 1200, cp.LastSyncValue)
}

func TestIncrementalSkipsCommittedRows(t *testing.T) {
	var ctx = context.Background()
	var path = filepath.Join(t.TempDir(), "checkpoint.json")

	// First run drains the table.
	var source = newFakeSource(800)
	var dest = newFakeDest()
	var p = newTestPump(source, dest, checkpoint.NewStore(path), 20000, false)
	_, err := p.Run(ctx)
	require.NoError(t, err)

	// No new rows: the next run completes without writing anything.
	source = newFakeSource(800)
	var writesBefore = dest.writeCalls
	p = newTestPump(source, dest, checkpoint.NewStore(path), 20000, false)
	stats, err := p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.RowsSynced)
	require.Equal(t, writesBefore, dest.writeCalls)

	// New rows appear: only they are synced, into the existing shard.
	source = newFakeSource(1000)
	p = newTestPump(source, dest, checkpoint.NewStore(path), 20000, false)
	stats, err = p.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 200, stats.RowsSynced)
	require.Equal(t, []string{"DataSync_001"}, dest.created)
	require.Len(t, dest.tables["tbl001"].rows, 1000)
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "init", StateInit.String())
	require.Equal(t, "failed", StateFailed.String())
	require.Equal(t, "complete", StateComplete.String())
}
