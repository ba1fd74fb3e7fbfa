package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/internal/contracts"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func sampleEntry(tool string) contracts.AuditEntry {
	return contracts.AuditEntry{
		Timestamp:  time.Now().UTC(),
		Actor:      "operator-1",
		Roles:      []string{"operator"},
		Event:      contracts.EventExecuted,
		Tool:       tool,
		ArgsDigest: "deadbeef",
		Decision:   string(contracts.DecisionAllowExecute),
	}
}

func TestAppend_FirstEntryHasGenesisPrevHash(t *testing.T) {
	l, _ := newTestLog(t)
	e, err := l.Append(sampleEntry("move_arm"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), e.Seq)
	require.Equal(t, strings.Repeat("0", 64), e.PrevHash)
	require.NotEmpty(t, e.Hash)
}

func TestAppend_ChainsSequentialHashes(t *testing.T) {
	l, _ := newTestLog(t)
	first, err := l.Append(sampleEntry("move_arm"))
	require.NoError(t, err)
	second, err := l.Append(sampleEntry("close_valve"))
	require.NoError(t, err)

	require.Equal(t, uint64(1), second.Seq)
	require.Equal(t, first.Hash, second.PrevHash)
}

func TestVerify_DetectsCleanChain(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append(sampleEntry("op"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	ok, breakSeq, err := Verify(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, breakSeq)
}

func TestVerify_DetectsSingleByteTamper(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append(sampleEntry("op"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 3)

	tampered := strings.Replace(lines[2], "move_arm", "move_army", 1)
	if tampered == lines[2] {
		tampered = strings.Replace(lines[2], `"actor":"operator-1"`, `"actor":"operator-2"`, 1)
	}
	lines[2] = tampered
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	ok, breakSeq, err := Verify(path)
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, breakSeq)
	require.Equal(t, uint64(2), *breakSeq)
}

func TestAppend_SurvivesReopenAndContinuesChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	l1, err := Open(path)
	require.NoError(t, err)
	last, err := l1.Append(sampleEntry("op"))
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	next, err := l2.Append(sampleEntry("op"))
	require.NoError(t, err)
	require.NoError(t, l2.Close())

	require.Equal(t, last.Seq+1, next.Seq)
	require.Equal(t, last.Hash, next.PrevHash)
}
