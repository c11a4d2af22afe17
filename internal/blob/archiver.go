package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mediaopt/internal/blob/core"
	"mediaopt/internal/design"
	"mediaopt/internal/history"
)

// Archiver writes the design, record and history snapshot of every finished
// iteration under runs/<run id>/iteration-NNN/. Keys are write-once; an
// artifact that already exists is left untouched so that a resumed run can
// re-archive safely.
type Archiver struct {
	store  Store
	logger *zap.Logger
}

// NewArchiver wraps store. A nil logger is replaced with a no-op logger.
func NewArchiver(store Store, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, logger: logger}
}

// Store returns the underlying artifact store.
func (a *Archiver) Store() Store { return a.store }

// IterationPrefix returns the key prefix for one iteration's artifacts.
func IterationPrefix(runID string, iteration int) string {
	return fmt.Sprintf("runs/%s/iteration-%03d/", runID, iteration)
}

// ArchiveIteration stores design.json, record.json and history.json.
func (a *Archiver) ArchiveIteration(ctx context.Context, runID string, d design.ExperimentDesign, rec history.IterationRecord, h history.RunHistory) error {
	if runID == "" {
		return fmt.Errorf("archive: run id required")
	}
	prefix := IterationPrefix(runID, rec.Iteration)
	md := map[string]string{
		"run-id":    runID,
		"iteration": strconv.Itoa(rec.Iteration),
		"column":    strconv.Itoa(rec.Column),
		"status":    string(rec.Status),
	}
	artifacts := []struct {
		name  string
		value any
	}{
		{"design.json", d},
		{"record.json", rec},
		{"history.json", h},
	}
	for _, art := range artifacts {
		data, err := json.MarshalIndent(art.value, "", "  ")
		if err != nil {
			return fmt.Errorf("archive %s: %w", art.name, err)
		}
		key := prefix + art.name
		if _, err := a.store.Head(ctx, key); err == nil {
			a.logger.Debug("artifact already archived", zap.String("key", key))
			continue
		} else if !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("archive %s: %w", key, err)
		}
		_, err = a.store.Put(ctx, key, bytes.NewReader(data), core.PutOptions{ContentType: "application/json", Metadata: md})
		if errors.Is(err, core.ErrExists) {
			a.logger.Debug("artifact already archived", zap.String("key", key))
			continue
		}
		if err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
	}
	a.logger.Info("iteration archived",
		zap.String("run_id", runID),
		zap.Int("iteration", rec.Iteration),
		zap.String("driver", string(a.store.Driver())),
	)
	return nil
}

// Artifacts lists every archived artifact of a run.
func (a *Archiver) Artifacts(ctx context.Context, runID string) ([]core.Info, error) {
	return a.store.List(ctx, "runs/"+runID+"/")
}

// LoadRecord reads back an archived iteration record.
func (a *Archiver) LoadRecord(ctx context.Context, runID string, iteration int) (history.IterationRecord, error) {
	_, rc, err := a.store.Get(ctx, IterationPrefix(runID, iteration)+"record.json")
	if err != nil {
		return history.IterationRecord{}, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return history.IterationRecord{}, fmt.Errorf("read record: %w", err)
	}
	var rec history.IterationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return history.IterationRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// Link returns a time-limited GET URL for one artifact. Backends without
// URL support return core.ErrUnsupported.
func (a *Archiver) Link(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return a.store.PresignURL(ctx, key, core.SignedURLOptions{Method: "GET", Expiry: expiry})
}

// Purge deletes every archived artifact of a run and returns how many were
// removed.
func (a *Archiver) Purge(ctx context.Context, runID string) (int, error) {
	if runID == "" {
		return 0, fmt.Errorf("purge: run id required")
	}
	infos, err := a.Artifacts(ctx, runID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		ok, err := a.store.Delete(ctx, info.Key)
		if err != nil {
			return removed, fmt.Errorf("purge %s: %w", info.Key, err)
		}
		if ok {
			removed++
		}
	}
	a.logger.Info("run artifacts purged", zap.String("run_id", runID), zap.Int("removed", removed))
	return removed, nil
}
