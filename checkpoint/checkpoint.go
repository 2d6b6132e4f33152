// Package checkpoint persists replication progress so that interrupted runs
// can resume from the last fully committed batch.
//
// The checkpoint file is owned by exactly one running sync process. No
// locking protocol is implemented; running two syncs against the same
// checkpoint file concurrently is undefined behavior.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxHistoryEntries bounds the audit trail kept inside the checkpoint file.
const maxHistoryEntries = 100

// HistoryEntry records one completed batch. The history is an audit trail
// only; resumption never reads it.
type HistoryEntry struct {
	Timestamp     string `json:"timestamp"`
	RecordsSynced int    `json:"records_synced"`
	LastValue     any    `json:"last_value"`
	TableID       string `json:"table_id"`
}

// State is the persisted checkpoint document.
type State struct {
	LastSyncTime         *string        `json:"last_sync_time"`
	LastSyncValue        any            `json:"last_sync_value"`
	TotalRecordsSynced   int            `json:"total_records_synced"`
	CurrentTableSequence int            `json:"current_table_sequence"`
	CurrentTableID       *string        `json:"current_table_id"`
	LastBatchOffset      int            `json:"last_batch_offset"`
	SyncHistory          []HistoryEntry `json:"sync_history"`
}

func defaultState() State {
	return State{
		CurrentTableSequence: 1,
		SyncHistory:          []HistoryEntry{},
	}
}

// Store tracks sync progress in memory and mirrors it to a JSON file. The
// in-memory state is authoritative: a failed save is reported but never
// clobbers what the caller has already committed.
type Store struct {
	path  string
	state State
}

// NewStore loads the checkpoint at path, falling back to defaults when the
// file is absent or unreadable. Corruption is logged and treated as a fresh
// start rather than a fatal error.
func NewStore(path string) *Store {
	var s = &Store{path: path}
	s.state = s.load()
	return s
}

func (s *Store) load() State {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.WithField("path", s.path).Info("no checkpoint file found, starting fresh")
		return defaultState()
	} else if err != nil {
		log.WithFields(log.Fields{"path": s.path, "error": err}).Warn("failed to read checkpoint, starting fresh")
		return defaultState()
	}

	var state = defaultState()
	if err := json.Unmarshal(data, &state); err != nil {
		log.WithFields(log.Fields{"path": s.path, "error": err}).Warn("failed to parse checkpoint, starting fresh")
		return defaultState()
	}
	log.WithField("path", s.path).Info("loaded checkpoint")
	return state
}

// State returns a copy of the current checkpoint state.
func (s *Store) State() State {
	var out = s.state
	out.SyncHistory = append([]HistoryEntry(nil), s.state.SyncHistory...)
	return out
}

// LastSyncValue returns the committed cursor value, or nil before the first
// successful batch.
func (s *Store) LastSyncValue() any {
	return s.state.LastSyncValue
}

// Advance commits one successfully written batch: it moves the cursor
// forward, bumps the counters, appends a history entry (evicting the oldest
// past the cap), stamps the sync time and persists. It must be called after
// the destination write succeeds and before the next batch is read, so that
// a crash in between re-delivers at most one batch.
//
// A persistence failure is returned but leaves the in-memory state updated;
// the caller may continue the run at the risk of re-processing more batches
// after a crash.
func (s *Store) Advance(recordsSynced int, newCursor any, tableID string, tableSequence, batchOffset int) error {
	s.state.TotalRecordsSynced += recordsSynced
	s.state.LastSyncValue = newCursor
	s.state.CurrentTableID = &tableID
	s.state.CurrentTableSequence = tableSequence
	s.state.LastBatchOffset = batchOffset

	s.state.SyncHistory = append(s.state.SyncHistory, HistoryEntry{
		Timestamp:     time.Now().Format(time.RFC3339),
		RecordsSynced: recordsSynced,
		LastValue:     newCursor,
		TableID:       tableID,
	})
	if n := len(s.state.SyncHistory); n > maxHistoryEntries {
		s.state.SyncHistory = s.state.SyncHistory[n-maxHistoryEntries:]
	}

	return s.save()
}

// Reset discards all progress and persists the default state immediately.
func (s *Store) Reset() error {
	s.state = defaultState()
	if err := s.save(); err != nil {
		return err
	}
	log.WithField("path", s.path).Info("checkpoint reset")
	return nil
}

// save writes the state through a temp file and rename so that a partial
// write can never corrupt the previous checkpoint on disk.
func (s *Store) save() error {
	var now = time.Now().Format(time.RFC3339)
	s.state.LastSyncTime = &now

	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("error serializing checkpoint: %w", err)
	}

	var dir = filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("error creating checkpoint temp file: %w", err)
	}
	var tmpName = tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("error writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error closing checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("error replacing checkpoint file: %w", err)
	}

	log.WithFields(log.Fields{
		"path":   s.path,
		"total":  s.state.TotalRecordsSynced,
		"cursor": s.state.LastSyncValue,
	}).Debug("saved checkpoint")
	return nil
}
