// Package memory provides an in-memory history store used for tests,
// simulations and as the read cache of the SQL-backed stores.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"mediaopt/internal/history"
)

var _ history.Store = (*Store)(nil)

// Snapshot maps run ids to encoded histories.
type Snapshot map[string][]byte

// Store keeps encoded histories so callers never share slices or maps with
// the stored copy.
type Store struct {
	mu   sync.RWMutex
	runs map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{runs: make(map[string][]byte)}
}

// Load returns the stored history for runID.
func (s *Store) Load(ctx context.Context, runID string) (history.RunHistory, error) {
	if err := ctx.Err(); err != nil {
		return history.RunHistory{}, err
	}
	s.mu.RLock()
	data, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return history.RunHistory{}, fmt.Errorf("%w: %s", history.ErrNotFound, runID)
	}
	return history.Decode(data)
}

// Save replaces the stored copy of h.
func (s *Store) Save(ctx context.Context, h history.RunHistory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(h.RunID) == "" {
		return fmt.Errorf("save history: run id required")
	}
	data, err := history.Encode(h)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.runs[h.RunID] = data
	s.mu.Unlock()
	return nil
}

// List summarizes every stored run, newest first.
func (s *Store) List(ctx context.Context) ([]history.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]history.Summary, 0, len(s.runs))
	for id, data := range s.runs {
		h, err := history.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", id, err)
		}
		out = append(out, h.Summarize())
	}
	history.SortSummaries(out)
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ExportState returns a copy of every stored run.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.runs))
	for k, v := range s.runs {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// ImportState replaces the store contents with snap.
func (s *Store) ImportState(snap Snapshot) {
	runs := make(map[string][]byte, len(snap))
	for k, v := range snap {
		runs[k] = append([]byte(nil), v...)
	}
	s.mu.Lock()
	s.runs = runs
	s.mu.Unlock()
}
