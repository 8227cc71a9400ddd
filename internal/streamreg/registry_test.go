package streamreg

import "testing"

func TestStreamStartedCreatesClientAndModel(t *testing.T) {
	r := New()
	r.StreamStarted("10.0.0.1", "llama3")

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 client, got %d", len(snap))
	}
	if snap[0].IP != "10.0.0.1" {
		t.Fatalf("expected ip 10.0.0.1, got %s", snap[0].IP)
	}
	if snap[0].Models["llama3"].TotalStreams != 1 {
		t.Fatalf("expected 1 total stream, got %d", snap[0].Models["llama3"].TotalStreams)
	}
}

func TestCountersAccumulatePerModel(t *testing.T) {
	r := New()
	r.StreamStarted("10.0.0.1", "llama3")
	r.ChunkForwarded("10.0.0.1", "llama3")
	r.ChunkForwarded("10.0.0.1", "llama3")
	r.StreamBlocked("10.0.0.1", "llama3")
	r.StreamStarted("10.0.0.1", "mistral")
	r.StreamMasked("10.0.0.1", "mistral")

	snap := r.Snapshot()
	stats := snap[0].Models["llama3"]
	if stats.TotalChunks != 2 || stats.BlockedStreams != 1 {
		t.Fatalf("unexpected llama3 stats: %+v", stats)
	}
	mistral := snap[0].Models["mistral"]
	if mistral.TotalStreams != 1 || mistral.MaskedStreams != 1 {
		t.Fatalf("unexpected mistral stats: %+v", mistral)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	r := New()
	r.StreamStarted("10.0.0.1", "llama3")

	snap := r.Snapshot()
	snap[0].Models["llama3"].TotalStreams = 999

	snap2 := r.Snapshot()
	if snap2[0].Models["llama3"].TotalStreams != 1 {
		t.Fatalf("mutating a snapshot should not affect the registry, got %d", snap2[0].Models["llama3"].TotalStreams)
	}
}
