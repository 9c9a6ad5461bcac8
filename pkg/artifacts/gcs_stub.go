//go:build !gcp

package artifacts

import (
	"context"
	"errors"
)

// GCSConfig mirrors the gcp-tagged build so wiring code compiles either way.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (BlobStore, error) {
	return nil, errors.New("artifacts: gcs store requires the gcp build tag")
}
