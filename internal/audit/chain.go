package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// computeHash derives an entry's hash from its sequence position and
// content plus the previous entry's hash, so that altering any field
// of any entry changes every hash after it in the chain.
func computeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%v|%s|%v|%d|%s",
		e.PrevHash, e.Seq, e.Timestamp, e.StreamID, e.Direction, e.Category, e.Action,
		e.IsMasked, e.Rule, e.Detections, e.LatencyUs, e.Error)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// readLastEntry returns the final entry in a JSONL file, or nil if the
// file is empty.
func readLastEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var last *Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parsing entry in %s: %w", path, err)
		}
		last = &e
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return last, nil
}

// readAllEntries loads every entry across all daily JSONL files in dir,
// in chain order, for VerifyChain.
func readAllEntries(dir string) ([]Entry, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing audit files: %w", err)
	}
	sort.Strings(files)

	var entries []Entry
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("parsing entry in %s: %w", path, err)
			}
			entries = append(entries, e)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", path, err)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}
