// Package archive ships closed audit-log segments to durable off-box
// storage, grounded on the teacher's pkg/artifacts.Store family
// (s3_store.go / gcs_store.go), adapted from content-addressed artifact
// blobs to date-stamped audit log segments.
package archive

import "context"

// Archiver persists one audit log segment under key and reports whether an
// object with that key already exists (segments are uploaded at most once,
// so a retried upload after a crash is a no-op rather than a duplicate).
type Archiver interface {
	Upload(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}
