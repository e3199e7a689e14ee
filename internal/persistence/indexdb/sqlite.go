// Package indexdb keeps an operational audit index of crossings and
// teleports. It is a read model for operators; avatar state never persists.
package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// TransitRow is one completed (or refused) crossing/teleport.
type TransitRow struct {
	AgentID    string
	Kind       string // "complete_movement", "cross_out", "teleport_out", "local_teleport"
	FromRegion uint64
	ToRegion   uint64
	X, Y, Z    float64
	Outcome    string // "ok", "refused", "timeout", "denied"
	RecordedAt time.Time
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan TransitRow
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Big enough that a burst of border traffic never stalls the sim.
		ch: make(chan TransitRow, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads; NORMAL is enough
	// durability for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS transits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	from_region INTEGER NOT NULL,
	to_region INTEGER NOT NULL,
	x REAL NOT NULL, y REAL NOT NULL, z REAL NOT NULL,
	outcome TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transits_agent ON transits(agent_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_transits_kind ON transits(kind, recorded_at);
`)
	return err
}

// Record enqueues a row; it never blocks the simulator. A full queue drops
// the row (the journal still has it).
func (s *SQLiteIndex) Record(row TransitRow) {
	if s.closed.Load() {
		return
	}
	if row.RecordedAt.IsZero() {
		row.RecordedAt = time.Now().UTC()
	}
	select {
	case s.ch <- row:
	default:
	}
}

func (s *SQLiteIndex) loop() {
	for row := range s.ch {
		_, err := s.db.Exec(
			`INSERT INTO transits (agent_id, kind, from_region, to_region, x, y, z, outcome, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.AgentID, row.Kind, row.FromRegion, row.ToRegion,
			row.X, row.Y, row.Z, row.Outcome,
			row.RecordedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			// Nothing upstream can act on this; keep draining.
			continue
		}
	}
}

// RecentTransits returns the newest rows for an agent, most recent first.
func (s *SQLiteIndex) RecentTransits(agentID string, limit int) ([]TransitRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT agent_id, kind, from_region, to_region, x, y, z, outcome, recorded_at
		 FROM transits WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransitRow
	for rows.Next() {
		var r TransitRow
		var ts string
		if err := rows.Scan(&r.AgentID, &r.Kind, &r.FromRegion, &r.ToRegion, &r.X, &r.Y, &r.Z, &r.Outcome, &ts); err != nil {
			return nil, err
		}
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
