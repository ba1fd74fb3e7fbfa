//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSArchiver archives audit log segments to a GCS bucket. Built only
// under the gcp tag, matching the teacher's pkg/artifacts/gcs_store.go
// convention of keeping the GCS SDK out of the default build.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures a GCSArchiver.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchiver constructs a GCS-backed Archiver using application
// default credentials.
func NewGCSArchiver(ctx context.Context, cfg GCSConfig) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchiver) object(key string) *storage.ObjectHandle {
	return a.client.Bucket(a.bucket).Object(a.prefix + key)
}

// Upload puts the segment if it is not already present.
func (a *GCSArchiver) Upload(ctx context.Context, key string, data []byte) error {
	exists, err := a.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	w := a.object(key).NewWriter(ctx)
	w.ContentType = "application/jsonl"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("archive: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: gcs close %s: %w", key, err)
	}
	return nil
}

// Exists reports whether the segment has already been archived.
func (a *GCSArchiver) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("archive: gcs attrs %s: %w", key, err)
	}
	return true, nil
}

// Close releases the underlying GCS client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
