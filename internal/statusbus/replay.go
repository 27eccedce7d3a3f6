// ReplayLog persists a bounded history of published Snapshots for
// crash-forensics ("why was VM X's CPU spiking before it died"). It is
// optional — Bus works without one — and is the one place qemud keeps the
// teacher's modernc.org/sqlite dependency (registry.DB's own storage engine
// is replaced with JSON per spec §6, but the pure-Go SQLite driver itself
// is retained here, narrowly, for this append-only time series rather than
// reintroducing it for VM/Capability persistence).
package statusbus

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000Z07:00", s)
}

// ReplayLog is an append-only SQLite-backed history of Snapshots, capped
// per VM name so a long-running daemon doesn't grow the file unbounded.
type ReplayLog struct {
	db       *sql.DB
	capacity int
}

// OpenReplayLog opens (creating if needed) the replay database at path.
func OpenReplayLog(path string, capacity int) (*ReplayLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("statusbus: create replay dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statusbus: open replay log: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statusbus: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			name        TEXT NOT NULL,
			running     INTEGER NOT NULL,
			cpu_percent REAL NOT NULL,
			memory_mib  REAL NOT NULL,
			exit_code   INTEGER NOT NULL,
			ts          TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statusbus: migrate replay log: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_name ON snapshots(name)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statusbus: index replay log: %w", err)
	}
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayLog{db: db, capacity: capacity}, nil
}

// Close closes the underlying database.
func (l *ReplayLog) Close() error { return l.db.Close() }

// Append records snap and trims name's history back to l.capacity rows.
func (l *ReplayLog) Append(snap Snapshot) error {
	running := 0
	if snap.Running {
		running = 1
	}
	if _, err := l.db.Exec(
		`INSERT INTO snapshots (name, running, cpu_percent, memory_mib, exit_code, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Name, running, snap.CPUPercent, snap.MemoryMiB, snap.ExitCode, snap.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	); err != nil {
		return fmt.Errorf("statusbus: append snapshot: %w", err)
	}
	_, err := l.db.Exec(`
		DELETE FROM snapshots WHERE name = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE name = ? ORDER BY id DESC LIMIT ?
		)`, snap.Name, snap.Name, l.capacity)
	if err != nil {
		return fmt.Errorf("statusbus: trim history: %w", err)
	}
	return nil
}

// Recent returns the last n snapshots recorded for name, oldest first.
func (l *ReplayLog) Recent(name string, n int) ([]Snapshot, error) {
	rows, err := l.db.Query(`
		SELECT running, cpu_percent, memory_mib, exit_code, ts
		FROM snapshots WHERE name = ? ORDER BY id DESC LIMIT ?`, name, n)
	if err != nil {
		return nil, fmt.Errorf("statusbus: query history: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var running int
		var s Snapshot
		var ts string
		if err := rows.Scan(&running, &s.CPUPercent, &s.MemoryMiB, &s.ExitCode, &ts); err != nil {
			return nil, fmt.Errorf("statusbus: scan history row: %w", err)
		}
		s.Name = name
		s.Running = running != 0
		s.Timestamp, _ = parseTimestamp(ts)
		out = append([]Snapshot{s}, out...) // reverse to oldest-first
	}
	return out, rows.Err()
}
