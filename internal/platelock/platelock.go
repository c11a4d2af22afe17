// Package platelock guarantees that at most one controller drives a
// physical plate at a time, across processes on the same host.
package platelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrHeld is returned when another process owns the plate.
var ErrHeld = errors.New("platelock: plate is locked by another controller")

const retryDelay = 100 * time.Millisecond

// Lock is an acquired plate lock.
type Lock struct {
	plate string
	fl    *flock.Flock
}

// Path returns the lock file location for plate under dir.
func Path(dir, plate string) string {
	return filepath.Join(dir, "mediaopt-"+sanitize(plate)+".lock")
}

// Acquire waits until the plate lock is free or ctx is done. A ctx that ends
// first yields ErrHeld.
func Acquire(ctx context.Context, dir, plate string) (*Lock, error) {
	fl, err := newFlock(dir, plate)
	if err != nil {
		return nil, err
	}
	locked, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s", ErrHeld, plate)
		}
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrHeld, plate)
	}
	return &Lock{plate: plate, fl: fl}, nil
}

// TryAcquire takes the lock only if it is free right now.
func TryAcquire(dir, plate string) (*Lock, error) {
	fl, err := newFlock(dir, plate)
	if err != nil {
		return nil, err
	}
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrHeld, plate)
	}
	return &Lock{plate: plate, fl: fl}, nil
}

func newFlock(dir, plate string) (*flock.Flock, error) {
	if strings.TrimSpace(plate) == "" {
		return nil, fmt.Errorf("platelock: plate barcode required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return flock.New(Path(dir, plate)), nil
}

// Plate returns the locked plate barcode.
func (l *Lock) Plate() string { return l.plate }

// Release unlocks the plate.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release plate lock %s: %w", l.plate, err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, strings.TrimSpace(s))
}
