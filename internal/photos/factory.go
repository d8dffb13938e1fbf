package photos

import (
	"context"
	"fmt"
	"path/filepath"

	"herdline/internal/config"
)

const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// NewStore builds the backend named in cfg. Relative fs dirs resolve against workspace.
func NewStore(ctx context.Context, cfg config.PhotoConfig, workspace string) (Store, error) {
	switch cfg.Backend {
	case "", BackendFS:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(".herdline", "photos")
		}
		if !filepath.IsAbs(dir) {
			if workspace == "" {
				workspace = "."
			}
			dir = filepath.Join(workspace, dir)
		}
		return NewFileStore(dir)
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("photos.s3.bucket is required")
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported photo backend: %s", cfg.Backend)
	}
}
