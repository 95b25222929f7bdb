// Package journal keeps a best-effort local record of completed turns
// for the status command and postmortem digging. It is never on the
// user-visible path: a failed write is logged by the caller and dropped.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Journal struct {
	db *sql.DB
}

// TurnRecord is one completed turn, degraded or not.
type TurnRecord struct {
	SessionID      string
	ActorID        string
	CorrelationIDs []string // one per dispatched tool call
	ToolCalls      int
	ToolFailures   int
	MemoryDegraded bool
	DurationMs     int64
	CreatedAt      time.Time
}

type Stats struct {
	Turns        int
	ToolCalls    int
	ToolFailures int
	LastTurnAt   string
}

func Open(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	j := &Journal{db: db}
	if err := j.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := j.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (j *Journal) initSchema() error {
	_, err := j.db.Exec(`CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		correlation_ids TEXT NOT NULL DEFAULT '',
		tool_calls INTEGER NOT NULL DEFAULT 0,
		tool_failures INTEGER NOT NULL DEFAULT 0,
		memory_degraded INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	_, err = j.db.Exec(`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at)`)
	if err != nil {
		return fmt.Errorf("init journal index: %w", err)
	}
	return nil
}

func (j *Journal) Record(rec TurnRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := j.db.Exec(
		`INSERT INTO turns (session_id, actor_id, correlation_ids, tool_calls, tool_failures, memory_degraded, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ActorID, strings.Join(rec.CorrelationIDs, ","),
		rec.ToolCalls, rec.ToolFailures, boolToInt(rec.MemoryDegraded),
		rec.DurationMs, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

func (j *Journal) Stats() (Stats, error) {
	var s Stats
	var lastTurn sql.NullString
	err := j.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(tool_calls), 0), COALESCE(SUM(tool_failures), 0), MAX(created_at) FROM turns`,
	).Scan(&s.Turns, &s.ToolCalls, &s.ToolFailures, &lastTurn)
	if err != nil {
		return Stats{}, fmt.Errorf("journal stats: %w", err)
	}
	s.LastTurnAt = lastTurn.String
	return s, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
