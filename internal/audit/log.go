// Package audit implements the hash-chained, tamper-evident audit log
// (spec.md §3, §4.7). Every decision the Safety Kernel makes is appended
// here before the caller sees a result. The chaining and verification
// shape is grounded on the teacher's pkg/kernel/total_order_log.go
// (InMemoryTotalOrderLog.Commit/Verify, computeCommitHash), adapted from
// an in-memory slice to a single-writer, fsync'd, append-only file, the
// durability discipline the original Python AuditLogger also used
// (fcntl-locked O_APPEND writes).
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/twinops/twinops/internal/canonicalize"
	"github.com/twinops/twinops/internal/contracts"
)

// genesisHash is entry 0's PrevHash, 64 hex zeros (spec.md §3).
var genesisHash = strings.Repeat("0", 64)

// Log is a single-writer, many-reader hash-chained append-only audit trail.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	nextSeq  uint64
	prevHash string
}

// Open opens (creating if necessary) the audit log at path, replaying any
// existing entries to recover nextSeq and prevHash so a restarted process
// continues the same chain rather than starting a fork.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create log dir: %w", err)
		}
	}

	l := &Log{path: path, prevHash: genesisHash}
	if err := l.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Log) replay() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: replay log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var last contracts.AuditEntry
	seen := false
	for scanner.Scan() {
		var e contracts.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("audit: replay log: corrupt line: %w", err)
		}
		last = e
		seen = true
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: replay log: %w", err)
	}
	if seen {
		l.nextSeq = last.Seq + 1
		l.prevHash = last.Hash
	}
	return nil
}

// Append computes the entry's hash from the current chain tip, assigns the
// next sequence number, writes one canonical-JSON line, and fsyncs before
// returning. A failed fsync is returned as a hard error: durability of the
// audit trail is non-negotiable (spec.md §4.7).
func (l *Log) Append(entry contracts.AuditEntry) (contracts.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Seq = l.nextSeq
	entry.PrevHash = l.prevHash
	entry.Hash = ""

	digestInput, err := canonicalize.JCS(entry)
	if err != nil {
		return contracts.AuditEntry{}, fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	entry.Hash = canonicalize.HashBytes(append([]byte(entry.PrevHash), digestInput...))

	line, err := json.Marshal(entry)
	if err != nil {
		return contracts.AuditEntry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return contracts.AuditEntry{}, fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return contracts.AuditEntry{}, fmt.Errorf("audit: fsync entry: %w", err)
	}

	l.nextSeq++
	l.prevHash = entry.Hash
	return entry, nil
}

// Close closes the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Path returns the on-disk path of the log, for callers (the archive
// rotator) that need to read it back without holding a reference to the
// private file handle.
func (l *Log) Path() string {
	return l.path
}

// Verify re-reads the log at path sequentially, recomputing the hash chain.
// It returns ok=false and the sequence number of the first broken link on
// the first mismatch, mirroring the teacher's TotalOrderLog.Verify.
func Verify(path string) (ok bool, firstBreakSeq *uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, nil, fmt.Errorf("audit: verify: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	prevHash := genesisHash
	var wantSeq uint64

	for scanner.Scan() {
		var e contracts.AuditEntry
		if uerr := json.Unmarshal(scanner.Bytes(), &e); uerr != nil {
			seq := wantSeq
			return false, &seq, nil
		}

		if e.Seq != wantSeq || e.PrevHash != prevHash {
			seq := e.Seq
			return false, &seq, nil
		}

		recorded := e.Hash
		e.Hash = ""
		digestInput, derr := canonicalize.JCS(e)
		if derr != nil {
			return false, nil, fmt.Errorf("audit: verify: canonicalize: %w", derr)
		}
		expected := canonicalize.HashBytes(append([]byte(e.PrevHash), digestInput...))
		if expected != recorded {
			seq := e.Seq
			return false, &seq, nil
		}

		prevHash = recorded
		wantSeq++
	}
	if err := scanner.Err(); err != nil {
		return false, nil, fmt.Errorf("audit: verify: %w", err)
	}
	return true, nil, nil
}
