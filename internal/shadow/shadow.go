// Package shadow implements the Shadow Twin: an in-memory, continuously
// updated projection of AAS submodel state used for interlock evaluation
// (spec.md §3, §4.2). It is seeded via an HTTP snapshot and kept current
// via MQTT, grounded on the original Python ShadowTwinManager
// (agent/shadow.py): reconnect triggers a full resync, and a live update
// whose timestamp is not newer than the cached value's is dropped, so an
// out-of-order broker delivery never overwrites a newer cached value.
package shadow

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Snapshotter performs a full HTTP re-seed of one submodel's elements.
// internal/twinclient.Client satisfies this structurally.
type Snapshotter interface {
	SnapshotSubmodel(ctx context.Context, submodelID string) (map[string]any, error)
}

// Source records whether a value came from the initial/periodic HTTP
// snapshot or a live MQTT update.
type Source string

const (
	SourceSnapshot Source = "snapshot"
	SourceMQTT     Source = "mqtt"
)

type element struct {
	value       any
	lastUpdated time.Time
	source      Source
	seq         uint64 // monotonic local write counter; not consulted when ordering updates
}

// Twin is the Shadow Twin: a snapshot-consistent, concurrently-read,
// singly-written projection of submodel element values.
type Twin struct {
	snapshotter Snapshotter

	mu      sync.RWMutex
	state   map[string]map[string]element
	counter uint64
}

// New constructs an empty Shadow Twin. Call Refresh for each submodel of
// interest before serving interlock evaluations from it.
func New(snapshotter Snapshotter) *Twin {
	return &Twin{
		snapshotter: snapshotter,
		state:       make(map[string]map[string]element),
	}
}

// Get returns the cached value and its last-update time for one submodel
// path. A single call holds the read lock for its whole duration; a
// multi-path interlock evaluation reads through Snapshot/View instead, so
// all its reads share one lock acquisition and never observe a torn write.
func (t *Twin) Get(submodelID, path string) (value any, lastUpdated time.Time, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getLocked(submodelID, path)
}

func (t *Twin) getLocked(submodelID, path string) (any, time.Time, bool) {
	sm, ok := t.state[submodelID]
	if !ok {
		return nil, time.Time{}, false
	}
	el, ok := sm[path]
	if !ok {
		return nil, time.Time{}, false
	}
	return el.value, el.lastUpdated, true
}

// View is a read-locked snapshot handle. It lets a single Kernel decision
// read several (submodel, path) pairs under one lock acquisition,
// satisfying spec.md §5's "single-call interlock evaluation holds a read
// lock excluding concurrent updates for that decision's duration."
type View struct {
	t *Twin
}

// Snapshot acquires the read lock and returns a View; the caller must call
// Release when done with the batch of reads.
func (t *Twin) Snapshot() *View {
	t.mu.RLock()
	return &View{t: t}
}

// Get reads one path within the held snapshot.
func (v *View) Get(submodelID, path string) (any, time.Time, bool) {
	return v.t.getLocked(submodelID, path)
}

// Release releases the read lock acquired by Snapshot.
func (v *View) Release() {
	v.t.mu.RUnlock()
}

// Refresh re-seeds submodelID from a full HTTP snapshot, atomically
// replacing the cached state for that submodel. Values arriving from a
// refresh are timestamped now and tagged SourceSnapshot.
func (t *Twin) Refresh(ctx context.Context, submodelID string) error {
	values, err := t.snapshotter.SnapshotSubmodel(ctx, submodelID)
	if err != nil {
		return err
	}

	now := time.Now()
	fresh := make(map[string]element, len(values))
	t.mu.Lock()
	for path, v := range values {
		t.counter++
		fresh[path] = element{value: v, lastUpdated: now, source: SourceSnapshot, seq: t.counter}
	}
	t.state[submodelID] = fresh
	t.mu.Unlock()
	return nil
}

// ApplyUpdate applies one live (MQTT-delivered) value update. It is
// ignored if a value already cached for this path carries an equal or
// later lastUpdated timestamp than observedAt, so reordered broker deliveries cannot regress
// the cache (spec.md §4.2).
func (t *Twin) ApplyUpdate(submodelID, path string, value any, observedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sm, ok := t.state[submodelID]
	if !ok {
		sm = make(map[string]element)
		t.state[submodelID] = sm
	}

	if existing, ok := sm[path]; ok && !observedAt.After(existing.lastUpdated) {
		return
	}

	t.counter++
	sm[path] = element{value: value, lastUpdated: observedAt, source: SourceMQTT, seq: t.counter}
}

// TopicPath splits a TwinOps MQTT topic of the form
// twinops/{repoID}/{aasID}/{submodelID}/{path...} into its submodel ID and
// the idShort path beneath it (path segments rejoined with "/").
func TopicPath(topic string) (submodelID, path string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[0] != "twinops" {
		return "", "", false
	}
	return parts[3], strings.Join(parts[4:], "/"), true
}

// ParseTimestampField extracts an embedded "observed_at" unix-millis
// field from a decoded MQTT JSON payload, if present, falling back to the
// wall-clock receive time. This lets a well-behaved publisher assert its
// own ordering even across network reordering; see spec.md §4.2.
func ParseTimestampField(payload map[string]any, receivedAt time.Time) time.Time {
	raw, ok := payload["observed_at"]
	if !ok {
		return receivedAt
	}
	switch v := raw.(type) {
	case float64:
		return time.UnixMilli(int64(v))
	case string:
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return receivedAt
}
