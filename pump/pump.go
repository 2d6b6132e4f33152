// Package pump drives the replication loop: read a page from the source,
// write it to the destination shard by shard, advance the checkpoint, and
// repeat until the run is complete.
package pump

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/qq940500529/bitsync/bitable"
	"github.com/qq940500529/bitsync/checkpoint"
	"github.com/qq940500529/bitsync/oracle"
	"github.com/qq940500529/bitsync/shard"
)

// State tracks where the pump is in its run.
type State int

const (
	StateInit State = iota
	StateCounting
	StateBatchRead
	StateBatchWrite
	StateCheckpoint
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCounting:
		return "counting"
	case StateBatchRead:
		return "batch_read"
	case StateBatchWrite:
		return "batch_write"
	case StateCheckpoint:
		return "checkpoint"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Source is the slice of the source database the pump needs. It is satisfied
// by *oracle.Reader and by fakes in tests.
type Source interface {
	Columns(ctx context.Context, tableName string) ([]oracle.Column, error)
	Count(ctx context.Context, tableName, cursorColumn string, cursorValue any) (int, error)
	ReadPage(ctx context.Context, req oracle.PageRequest) ([]oracle.Row, error)
	Close() error
}

// Destination extends the allocator's view of the destination with bulk row
// insertion. It is satisfied by *bitable.Client.
type Destination interface {
	shard.Destination
	BatchCreateRecords(ctx context.Context, tableID string, records []map[string]any) ([]string, error)
}

// Config holds the per-run replication settings.
type Config struct {
	TableName      string
	SyncColumn     string
	PrimaryKey     string
	ReadBatchSize  int
	WriteBatchSize int
	// FullSync resets the checkpoint and replicates from the beginning.
	FullSync bool
}

// RunStats summarizes one completed run.
type RunStats struct {
	StartTime  time.Time
	EndTime    time.Time
	RowsSynced int
	Duration   time.Duration
	// Throughput is rows per second, zero when no rows were synced.
	Throughput float64
}

// Pump orchestrates a single replication run. All reads, writes and
// checkpoint saves happen sequentially on the calling goroutine; there are
// never concurrent batches in flight.
type Pump struct {
	source    Source
	dest      Destination
	allocator *shard.Allocator
	store     *checkpoint.Store
	cfg       Config

	state State
	log   *log.Entry
}

// New builds a pump. The logger entry lives for exactly one run.
func New(source Source, dest Destination, allocator *shard.Allocator, store *checkpoint.Store, cfg Config) *Pump {
	if cfg.ReadBatchSize <= 0 {
		cfg.ReadBatchSize = 1000
	}
	if cfg.WriteBatchSize <= 0 {
		cfg.WriteBatchSize = 1000
	}
	return &Pump{
		source:    source,
		dest:      dest,
		allocator: allocator,
		store:     store,
		cfg:       cfg,
		log:       log.WithField("table", cfg.TableName),
	}
}

// State returns the pump's current state.
func (p *Pump) State() State {
	return p.state
}

func (p *Pump) transition(next State) {
	p.log.WithFields(log.Fields{"from": p.state.String(), "to": next.String()}).Debug("state transition")
	p.state = next
}

func (p *Pump) fail(err error) error {
	p.transition(StateFailed)
	p.log.WithError(err).Error("synchronization failed")
	return err
}

// Run executes one replication pass and returns its statistics. The source
// connection is closed on every exit path. Any source, destination or
// validation error aborts the run; only checkpoint persistence failures are
// tolerated mid-run.
func (p *Pump) Run(ctx context.Context) (*RunStats, error) {
	defer p.source.Close()

	var stats = &RunStats{StartTime: time.Now()}
	p.transition(StateInit)
	p.log.WithField("fullSync", p.cfg.FullSync).Info("starting synchronization")

	if p.cfg.FullSync {
		p.log.Info("full sync mode, resetting checkpoint")
		if err := p.store.Reset(); err != nil {
			return stats, p.fail(fmt.Errorf("resetting checkpoint: %w", err))
		}
	}

	columns, err := p.source.Columns(ctx, p.cfg.TableName)
	if err != nil {
		return stats, p.fail(fmt.Errorf("introspecting source table: %w", err))
	}
	if len(columns) == 0 {
		return stats, p.fail(fmt.Errorf("source table %q has no columns", p.cfg.TableName))
	}

	var columnNames = make([]string, 0, len(columns))
	var schema = make([]bitable.Field, 0, len(columns))
	var syncColumnType string
	for _, col := range columns {
		columnNames = append(columnNames, col.Name)
		schema = append(schema, bitable.Field{Name: col.Name, Type: bitable.MapColumnType(col.DataType)})
		if strings.EqualFold(col.Name, p.cfg.SyncColumn) {
			syncColumnType = col.DataType
		}
	}
	p.allocator.SetSchema(schema)

	// Resolve the incremental filter. The cursor value can be a millisecond
	// epoch integer from the checkpoint even when the sync column is
	// temporal, so it is converted to the source's native representation
	// before being bound.
	var cursorColumn string
	var cursorValue any
	if last := p.store.LastSyncValue(); last != nil {
		cursorColumn = p.cfg.SyncColumn
		cursorValue = oracle.PrepareCursorValue(syncColumnType, last)
		p.log.WithField("cursor", last).Info("resuming incremental sync")
	}

	p.transition(StateCounting)
	total, err := p.source.Count(ctx, p.cfg.TableName, cursorColumn, cursorValue)
	if err != nil {
		return stats, p.fail(fmt.Errorf("counting source rows: %w", err))
	}
	p.log.WithField("total", total).Info("counted rows to sync")
	if total == 0 {
		p.transition(StateComplete)
		stats.EndTime = time.Now()
		stats.Duration = stats.EndTime.Sub(stats.StartTime)
		p.log.Info("no new records to sync")
		return stats, nil
	}

	// Adopt the shard recorded in the checkpoint, refreshing its row count
	// from the destination.
	var cp = p.store.State()
	var sequence = cp.CurrentTableSequence
	if cp.CurrentTableID != nil {
		if err := p.allocator.Bind(ctx, *cp.CurrentTableID); err != nil {
			return stats, p.fail(err)
		}
	}

	var writeChunkSize = p.cfg.WriteBatchSize
	if writeChunkSize > bitable.MaxRecordsPerCall {
		writeChunkSize = bitable.MaxRecordsPerCall
	}

	var offset int
	for offset < total {
		p.transition(StateBatchRead)
		page, err := p.source.ReadPage(ctx, oracle.PageRequest{
			Table:        p.cfg.TableName,
			Columns:      columnNames,
			PageSize:     p.cfg.ReadBatchSize,
			Offset:       offset,
			CursorColumn: cursorColumn,
			CursorValue:  cursorValue,
			OrderBy:      p.cfg.SyncColumn,
		})
		if err != nil {
			return stats, p.fail(fmt.Errorf("reading batch at offset %d: %w", offset, err))
		}
		if len(page) == 0 {
			// The row count can go stale while we page; stop cleanly.
			p.log.WithField("offset", offset).Info("empty page, ending run early")
			break
		}

		p.transition(StateBatchWrite)
		for start := 0; start < len(page); start += writeChunkSize {
			var end = start + writeChunkSize
			if end > len(page) {
				end = len(page)
			}
			var chunk = toRecords(page[start:end])

			tableID, nextSeq, err := p.allocator.AllocateForBatch(ctx, chunk, sequence)
			if err != nil {
				return stats, p.fail(fmt.Errorf("allocating shard for batch: %w", err))
			}
			sequence = nextSeq

			if _, err := p.dest.BatchCreateRecords(ctx, tableID, chunk); err != nil {
				return stats, p.fail(fmt.Errorf("writing batch to table %q: %w", tableID, err))
			}
			p.allocator.NoteWritten(len(chunk))
		}

		// The page is ordered ascending by the sync column, so the last row
		// carries the highest cursor value seen so far.
		var lastCursor = page[len(page)-1][strings.ToUpper(p.cfg.SyncColumn)]

		p.transition(StateCheckpoint)
		if err := p.store.Advance(len(page), lastCursor, p.allocator.CurrentTableID(), sequence, offset+len(page)); err != nil {
			// In-memory progress stays valid for the rest of the run, but a
			// crash from here on would re-deliver more than one batch.
			p.log.WithError(err).Error("failed to persist checkpoint, continuing")
		}

		offset += len(page)
		stats.RowsSynced += len(page)
		p.log.WithFields(log.Fields{
			"offset":   offset,
			"total":    total,
			"progress": fmt.Sprintf("%d%%", offset*100/total),
		}).Info("batch complete")
	}

	p.transition(StateComplete)
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	if stats.RowsSynced > 0 && stats.Duration > 0 {
		stats.Throughput = float64(stats.RowsSynced) / stats.Duration.Seconds()
	}
	p.log.WithFields(log.Fields{
		"rows":       stats.RowsSynced,
		"duration":   stats.Duration.String(),
		"throughput": fmt.Sprintf("%.2f rows/s", stats.Throughput),
	}).Info("synchronization complete")
	return stats, nil
}

func toRecords(page []oracle.Row) []map[string]any {
	var records = make([]map[string]any, len(page))
	for i, row := range page {
		records[i] = map[string]any(row)
	}
	return records
}
