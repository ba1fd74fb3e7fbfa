package archive

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// logReader is the subset of internal/audit.Log the rotator needs, named
// at the point of use so this package does not import internal/audit.
type logReader interface {
	Path() string
}

// Rotator periodically snapshots the audit log to durable storage under a
// date-stamped key, grounded on the teacher's pkg/api idempotency-store
// sweep goroutine (time.NewTicker, ticked on a background goroutine for
// the life of the process). The audit log itself is a single continuously
// appended file rather than rotated segments, so each tick uploads the
// current file contents under an hour-stamped key; Upload's exists-check
// makes a retried tick after a crash a no-op rather than a duplicate, and
// re-uploading the same key within the hour is skipped once the first
// upload for that hour lands.
type Rotator struct {
	archiver Archiver
	log      logReader
	interval time.Duration
}

// NewRotator builds a Rotator. interval should be shorter than the
// deployment's tolerance for losing unarchived audit entries to a host
// failure, since only entries written before the most recent tick are
// guaranteed to be off-box.
func NewRotator(archiver Archiver, auditLog logReader, interval time.Duration) *Rotator {
	return &Rotator{archiver: archiver, log: auditLog, interval: interval}
}

// Run ticks until ctx is cancelled, uploading one snapshot per tick and
// logging (never failing the process on) upload errors -- a transient
// archival failure must not take the Safety Kernel down.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				log.Printf("[archive] rotation tick failed: %v", err)
			}
		}
	}
}

func (r *Rotator) tick(ctx context.Context) error {
	data, err := os.ReadFile(r.log.Path())
	if err != nil {
		return fmt.Errorf("archive: read audit log: %w", err)
	}
	key := fmt.Sprintf("%s.jsonl", time.Now().UTC().Format("2006-01-02T15"))
	if err := r.archiver.Upload(ctx, key, data); err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return nil
}
