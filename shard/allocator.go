// Package shard decides which destination table receives the next batch of
// rows, rotating to a freshly created table whenever the current one would
// exceed its row cap.
package shard

import (
	"context"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/qq940500529/bitsync/bitable"
)

// Destination is the slice of the destination API the allocator needs. It is
// satisfied by *bitable.Client and by fakes in tests.
type Destination interface {
	CreateTable(ctx context.Context, name string, fields []bitable.Field) (string, error)
	ListFields(ctx context.Context, tableID string) ([]bitable.Field, error)
	CreateField(ctx context.Context, tableID string, field bitable.Field) error
	TableRowCount(ctx context.Context, tableID string) (int, error)
}

// Config holds the allocator's capacity policy.
type Config struct {
	// TableNamePrefix names new shards as {prefix}_{sequence:03d}.
	TableNamePrefix string
	// MaxRowsPerShard is the soft cap per destination table.
	MaxRowsPerShard int
}

// Allocator owns the "current shard" state: which destination table is being
// written and how many rows it holds. The row count is a local cache seeded
// from the destination, not an authoritative value, since other writers may
// have touched the table.
type Allocator struct {
	dest Destination
	cfg  Config

	// schema carries the field definitions derived from the source table's
	// declared column types. When empty, field types are inferred from a
	// sample row instead.
	schema []bitable.Field

	currentTableID string
	rowCount       int
	fieldsReady    bool
}

// NewAllocator builds an allocator over the given destination.
func NewAllocator(dest Destination, cfg Config) *Allocator {
	if cfg.TableNamePrefix == "" {
		cfg.TableNamePrefix = "DataSync"
	}
	if cfg.MaxRowsPerShard <= 0 {
		cfg.MaxRowsPerShard = 20000
	}
	return &Allocator{dest: dest, cfg: cfg}
}

// SetSchema installs the source-derived field schema used when creating new
// shards. Schema-driven types are preferred over per-record inference.
func (a *Allocator) SetSchema(fields []bitable.Field) {
	a.schema = fields
}

// CurrentTableID returns the id of the shard being written, or "" before any
// shard exists.
func (a *Allocator) CurrentTableID() string {
	return a.currentTableID
}

// RowCount returns the locally tracked row count of the current shard.
func (a *Allocator) RowCount() int {
	return a.rowCount
}

// Bind adopts a shard recorded in a checkpoint and refreshes its row count
// from the destination, tolerating rows written by earlier runs or other
// processes.
func (a *Allocator) Bind(ctx context.Context, tableID string) error {
	if tableID == "" {
		return nil
	}
	count, err := a.dest.TableRowCount(ctx, tableID)
	if err != nil {
		return fmt.Errorf("refreshing row count of table %q: %w", tableID, err)
	}
	a.currentTableID = tableID
	a.rowCount = count
	a.fieldsReady = false
	log.WithFields(log.Fields{"tableID": tableID, "rows": count}).Info("resumed destination table")
	return nil
}

// shardName derives the deterministic table name for a sequence number.
func (a *Allocator) shardName(sequence int) string {
	return fmt.Sprintf("%s_%03d", a.cfg.TableNamePrefix, sequence)
}

// shardFields returns the field schema for a new shard: the source schema
// when available, otherwise fields inferred from the sample row.
func (a *Allocator) shardFields(sample map[string]any) []bitable.Field {
	if len(a.schema) > 0 {
		return a.schema
	}
	var names = make([]string, 0, len(sample))
	for name := range sample {
		names = append(names, name)
	}
	sort.Strings(names)
	var fields = make([]bitable.Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, bitable.Field{Name: name, Type: bitable.InferFieldType(sample[name])})
	}
	return fields
}

// EnsureShard creates the shard for the given sequence if none is current,
// and returns the id of the shard to write.
func (a *Allocator) EnsureShard(ctx context.Context, sample map[string]any, sequence int) (string, error) {
	if a.currentTableID != "" {
		return a.currentTableID, nil
	}
	var name = a.shardName(sequence)
	tableID, err := a.dest.CreateTable(ctx, name, a.shardFields(sample))
	if err != nil {
		return "", fmt.Errorf("creating shard %q: %w", name, err)
	}
	a.currentTableID = tableID
	a.rowCount = 0
	a.fieldsReady = true // schema supplied at creation
	log.WithFields(log.Fields{"name": name, "tableID": tableID, "sequence": sequence}).Info("created shard")
	return tableID, nil
}

// AllocateForBatch returns the shard that should receive the batch, rotating
// to a new one when the current shard cannot hold it without crossing the
// row cap. It returns the (possibly incremented) shard sequence alongside
// the table id.
func (a *Allocator) AllocateForBatch(ctx context.Context, batch []map[string]any, sequence int) (string, int, error) {
	if len(batch) == 0 {
		return a.currentTableID, sequence, nil
	}

	if _, err := a.EnsureShard(ctx, batch[0], sequence); err != nil {
		return "", sequence, err
	}

	if a.rowCount+len(batch) > a.cfg.MaxRowsPerShard {
		sequence++
		var name = a.shardName(sequence)
		tableID, err := a.dest.CreateTable(ctx, name, a.shardFields(batch[0]))
		if err != nil {
			return "", sequence, fmt.Errorf("rotating to shard %q: %w", name, err)
		}
		log.WithFields(log.Fields{
			"name":     name,
			"tableID":  tableID,
			"sequence": sequence,
			"previous": a.currentTableID,
			"rows":     a.rowCount,
		}).Info("rotated to new shard")
		a.currentTableID = tableID
		a.rowCount = 0
		a.fieldsReady = true
	}

	if err := a.ensureFields(ctx, batch[0]); err != nil {
		return "", sequence, err
	}
	return a.currentTableID, sequence, nil
}

// ensureFields diffs the destination's existing field names against the
// batch's fields and creates only the missing ones. It runs before the first
// write to a shard and again whenever the shard is observed empty, so it is
// idempotent across resumed runs.
func (a *Allocator) ensureFields(ctx context.Context, sample map[string]any) error {
	if a.fieldsReady && a.rowCount > 0 {
		return nil
	}

	existing, err := a.dest.ListFields(ctx, a.currentTableID)
	if err != nil {
		return fmt.Errorf("listing fields of table %q: %w", a.currentTableID, err)
	}
	var present = make(map[string]bool, len(existing))
	for _, f := range existing {
		present[f.Name] = true
	}

	for _, field := range a.shardFields(sample) {
		if present[field.Name] {
			continue
		}
		if err := a.dest.CreateField(ctx, a.currentTableID, field); err != nil {
			return fmt.Errorf("creating missing field %q: %w", field.Name, err)
		}
	}
	a.fieldsReady = true
	return nil
}

// NoteWritten advances the local row count after a successful insert.
func (a *Allocator) NoteWritten(rows int) {
	a.rowCount += rows
}
