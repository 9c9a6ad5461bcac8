package artifacts

import (
	"context"
	"fmt"

	"github.com/wardenlabs/warden/pkg/config"
)

// NewStore builds the blob store selected by ARTIFACT_STORE.
func NewStore(ctx context.Context, cfg *config.Config) (BlobStore, error) {
	switch cfg.ArtifactStore {
	case "", "file":
		return NewFileStore(cfg.ArtifactDir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.ArtifactS3Bucket,
			Region:   cfg.ArtifactS3Region,
			Endpoint: cfg.ArtifactS3Endpoint,
			Prefix:   cfg.ArtifactPrefix,
		})
	case "gcs":
		return NewGCSStore(ctx, GCSConfig{
			Bucket: cfg.ArtifactGCSBucket,
			Prefix: cfg.ArtifactPrefix,
		})
	default:
		return nil, fmt.Errorf("artifacts: unknown store %q", cfg.ArtifactStore)
	}
}
