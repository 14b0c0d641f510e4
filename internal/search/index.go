// Package search implements the Search Service: a keyword-scored, optionally
// LM-reranked lookup over StageLog-derived candidates, with short Japanese
// comment synthesis attached to positive-score results.
package search

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Candidate is one normalized, de-duplicated search entry mirrored from a
// StageLog. StageLogs themselves remain authored as JSON files under
// <cache>/vlm_logs for external tooling; the index is a queryable mirror.
type Candidate struct {
	StageLogID  string
	Normalized  string
	Text        string
	RawFallback bool
}

// Index is a small pure-Go SQLite database mirroring the candidates, opened
// with the same WAL pragmas as the teacher architecture's tile database.
// Each Upsert is a single statement; writes are not batched into transactions.
type Index struct {
	db *sql.DB
	mu sync.Mutex
}

// NewIndex opens (creating if needed) the candidate index at path.
func NewIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS candidates (
			normalized    TEXT PRIMARY KEY,
			stage_log_id  TEXT NOT NULL,
			text          TEXT NOT NULL,
			raw_fallback  INTEGER NOT NULL DEFAULT 0,
			updated_at    TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create search schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Upsert inserts or replaces a candidate keyed by its normalized text,
// matching the "deduplicated by normalized text, keeping most recent per
// normalized key" dedup rule: a later Upsert for the same normalized text
// always wins.
func (idx *Index) Upsert(c Candidate) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.Exec(
		`INSERT INTO candidates (normalized, stage_log_id, text, raw_fallback, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(normalized) DO UPDATE SET
		   stage_log_id = excluded.stage_log_id,
		   text = excluded.text,
		   raw_fallback = excluded.raw_fallback,
		   updated_at = excluded.updated_at`,
		c.Normalized, c.StageLogID, c.Text, boolToInt(c.RawFallback),
	)
	if err != nil {
		return fmt.Errorf("upsert candidate: %w", err)
	}
	return nil
}

// All loads every candidate currently in the index.
func (idx *Index) All() ([]Candidate, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`SELECT normalized, stage_log_id, text, raw_fallback FROM candidates`)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var rawFallback int
		if err := rows.Scan(&c.Normalized, &c.StageLogID, &c.Text, &rawFallback); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.RawFallback = rawFallback != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
