package audit

import (
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func waitForSeq(t *testing.T, l *Log, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		seq := l.seq
		l.mu.Unlock()
		if seq >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for seq %d", want)
}

func TestRecordAppendsAndChains(t *testing.T) {
	l := openTestLog(t)

	l.Record("stream-1", "prompt", "", "allow", false, "", nil, 100, "")
	l.Record("stream-1", "response", "toxic", "mask", true, "", []string{"toxic"}, 200, "")
	waitForSeq(t, l, 2)

	result, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain, broke at %d", result.BrokenAt)
	}
	if result.EntriesChecked != 2 {
		t.Fatalf("expected 2 entries checked, got %d", result.EntriesChecked)
	}
}

func TestComputeHashDetectsTampering(t *testing.T) {
	l := openTestLog(t)
	l.Record("stream-1", "prompt", "", "block", false, "", nil, 50, "")
	waitForSeq(t, l, 1)

	entries, err := readAllEntries(l.dir)
	if err != nil {
		t.Fatalf("readAllEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	tampered := entries[0]
	tampered.Action = "allow"
	if computeHash(&tampered) == tampered.Hash {
		t.Fatalf("tampered entry should not match its stored hash")
	}
}

func TestQueryFiltersByStreamID(t *testing.T) {
	l := openTestLog(t)
	l.Record("stream-a", "prompt", "", "allow", false, "", nil, 0, "")
	l.Record("stream-b", "prompt", "", "block", false, "", nil, 0, "")
	waitForSeq(t, l, 2)

	entries, err := l.Query(QueryParams{StreamID: "stream-b"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].StreamID != "stream-b" {
		t.Fatalf("expected single stream-b entry, got %+v", entries)
	}
}

func TestGenesisPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	l1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l1.Record("stream-1", "prompt", "", "allow", false, "", nil, 0, "")
	waitForSeq(t, l1, 1)
	l1.Close()

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	if l2.seq != 1 {
		t.Fatalf("expected recovered seq 1, got %d", l2.seq)
	}

	l2.Record("stream-1", "response", "", "allow", false, "", nil, 0, "")
	waitForSeq(t, l2, 2)

	result, err := l2.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain across reopen, broke at %d", result.BrokenAt)
	}
}
