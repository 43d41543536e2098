// Package blob opens the attachment store that keeps ticket reports.
package blob

import (
	"context"
	"fmt"

	"screencore/internal/blob/core"
	fsstore "screencore/internal/infra/blob/fs"
	memorystore "screencore/internal/infra/blob/memory"
	s3store "screencore/internal/infra/blob/s3"
)

type (
	// Driver names a storage backend.
	Driver = core.Driver
	// PutOptions describe a stored attachment.
	PutOptions = core.PutOptions
	// Info describes a stored attachment.
	Info = core.Info
	// Store keeps attachments.
	Store = core.Store
	// S3Config selects an S3 bucket.
	S3Config = s3store.Config
)

// Drivers.
const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = core.ErrNotFound

// Config selects and configures a driver.
type Config struct {
	Driver Driver   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// Open returns the store named by cfg.Driver; the filesystem is the default.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return fsstore.New(cfg.FSRoot)
	case DriverS3:
		return s3store.New(ctx, cfg.S3)
	case DriverMemory:
		return memorystore.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
