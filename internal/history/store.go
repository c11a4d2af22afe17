package history

import (
	"context"
	"errors"
	"sort"
)

// ErrNotFound is returned by Store.Load for an unknown run id.
var ErrNotFound = errors.New("history: run not found")

// Store persists whole run histories. Save replaces the stored copy.
type Store interface {
	Load(ctx context.Context, runID string) (RunHistory, error)
	Save(ctx context.Context, h RunHistory) error
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

// SortSummaries orders summaries newest first, then by run id.
func SortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].UpdatedAt.After(s[j].UpdatedAt)
		}
		return s[i].RunID < s[j].RunID
	})
}
