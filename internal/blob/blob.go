// Package blob selects an artifact store backend and archives per-iteration
// artifacts into it. Packages outside internal/blob depend on Store only.
package blob

import (
	"context"
	"fmt"

	"mediaopt/internal/blob/core"
	"mediaopt/internal/infra/blob/fs"
	"mediaopt/internal/infra/blob/memory"
	"mediaopt/internal/infra/blob/s3"
)

// Store re-exports the backend contract.
type Store = core.Store

type Driver = core.Driver

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
	ErrUnsupported = core.ErrUnsupported
)

// S3Config configures the s3 driver.
type S3Config = s3.Config

// Options configures Open. An empty Driver means fs.
type Options struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the configured artifact store.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		s, err := fs.New(opts.FSRoot)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverS3:
		s, err := s3.New(ctx, opts.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
