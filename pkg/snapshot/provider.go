package snapshot

import (
	"context"

	"github.com/pinacle-sh/pinacle/pkg/config"
)

// NewProvider picks the storage backend from config: a bucket name selects
// S3, a storage path selects the local filesystem. Neither set means
// snapshots are disabled, which is not an error.
func NewProvider(ctx context.Context, cfg config.SnapshotConfig) (StorageProvider, error) {
	switch {
	case cfg.S3Bucket != "":
		return NewS3Provider(ctx, cfg)
	case cfg.StoragePath != "":
		return NewFilesystemProvider(cfg.StoragePath)
	default:
		return nil, nil
	}
}
