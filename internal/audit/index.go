package audit

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides fast filtered queries over the JSONL ledger
// without re-parsing every file on every request. The JSONL files
// remain the source of truth for VerifyChain; the index is a
// rebuildable acceleration structure.
type sqliteIndex struct {
	db *sql.DB
}

func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	schema := `
CREATE TABLE IF NOT EXISTS entries (
	seq         INTEGER PRIMARY KEY,
	ts          TEXT NOT NULL,
	stream_id   TEXT NOT NULL,
	direction   TEXT NOT NULL,
	category    TEXT NOT NULL,
	action      TEXT NOT NULL,
	is_masked   INTEGER NOT NULL,
	rule        TEXT,
	latency_us  INTEGER,
	hash        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_stream_id ON entries(stream_id);
CREATE INDEX IF NOT EXISTS idx_entries_action ON entries(action);
CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);
CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(category);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit index schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

func (idx *sqliteIndex) insert(e *Entry) {
	masked := 0
	if e.IsMasked {
		masked = 1
	}
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO entries (seq, ts, stream_id, direction, category, action, is_masked, rule, latency_us, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp, e.StreamID, e.Direction, e.Category, e.Action, masked, e.Rule, e.LatencyUs, e.Hash,
	)
	if err != nil {
		// The JSONL file is already durable by this point; the index
		// entry can be rebuilt from it, so this is not fatal.
		return
	}
}

func (idx *sqliteIndex) query(params QueryParams) ([]Entry, error) {
	var conds []string
	var args []any

	if params.StreamID != "" {
		conds = append(conds, "stream_id = ?")
		args = append(args, params.StreamID)
	}
	if params.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, params.Action)
	}
	if params.Since != "" {
		conds = append(conds, "ts >= ?")
		args = append(args, params.Since)
	}

	query := "SELECT seq, ts, stream_id, direction, category, action, is_masked, rule, latency_us, hash FROM entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq DESC"
	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit index: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var masked int
		var rule sql.NullString
		var latency sql.NullInt64
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.StreamID, &e.Direction, &e.Category, &e.Action, &masked, &rule, &latency, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.IsMasked = masked != 0
		e.Rule = rule.String
		e.LatencyUs = latency.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}
