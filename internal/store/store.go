// Package store persists published snapshots to a local SQLite database
// for history queries and diagnostics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"homevolt-local/internal/snapshot"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id           TEXT PRIMARY KEY,
	fetched_at   TIMESTAMP NOT NULL,
	recorded_at  TIMESTAMP NOT NULL,
	soc          REAL,
	power_w      REAL,
	frequency_hz REAL,
	stale        INTEGER NOT NULL,
	doc          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_fetched_at ON snapshots(fetched_at);
`

// Record is one persisted snapshot row.
type Record struct {
	ID          string             `json:"id"`
	FetchedAt   time.Time          `json:"fetched_at"`
	RecordedAt  time.Time          `json:"recorded_at"`
	Soc         *float64           `json:"soc,omitempty"`
	PowerW      *float64           `json:"power_w,omitempty"`
	FrequencyHz *float64           `json:"frequency_hz,omitempty"`
	Stale       bool               `json:"stale"`
	Snapshot    *snapshot.Snapshot `json:"snapshot,omitempty"`
}

// Store writes snapshots to SQLite asynchronously through a bounded queue.
type Store struct {
	db     *sql.DB
	q      chan *snapshot.Snapshot
	closed chan struct{}
	log    zerolog.Logger
}

// Open creates the database file and schema if needed and starts the
// background writer.
func Open(path string, maxQueue int, log zerolog.Logger) (*Store, error) {
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		db:     db,
		q:      make(chan *snapshot.Snapshot, maxQueue),
		closed: make(chan struct{}),
		log:    log.With().Str("component", "store").Logger(),
	}

	go func() {
		for snap := range s.q {
			if err := s.insert(context.Background(), snap); err != nil {
				s.log.Warn().Err(err).Msg("snapshot insert failed")
			}
		}
		close(s.closed)
	}()

	return s, nil
}

// Handle enqueues a snapshot for persistence without blocking the poll
// loop. When the queue is full the snapshot is dropped.
func (s *Store) Handle(snap *snapshot.Snapshot) error {
	select {
	case s.q <- snap:
		return nil
	default:
		return errors.New("store queue full")
	}
}

func (s *Store) insert(ctx context.Context, snap *snapshot.Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	var soc, powerW, frequencyHz *float64
	if len(snap.Ems) > 0 {
		unit := snap.Ems[0]
		soc = unit.Soc
		powerW = unit.PowerW
		frequencyHz = unit.FrequencyHz
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, fetched_at, recorded_at, soc, power_w, frequency_hz, stale, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		snap.FetchedAt.UTC(),
		time.Now().UTC(),
		nullFloat(soc),
		nullFloat(powerW),
		nullFloat(frequencyHz),
		snap.Stale,
		string(doc),
	)
	return err
}

// Recent returns the newest records, most recent first. The full snapshot
// document is decoded into each record.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fetched_at, recorded_at, soc, power_w, frequency_hz, stale, doc
		FROM snapshots ORDER BY fetched_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec  Record
			soc  sql.NullFloat64
			pw   sql.NullFloat64
			freq sql.NullFloat64
			doc  string
		)
		if err := rows.Scan(&rec.ID, &rec.FetchedAt, &rec.RecordedAt, &soc, &pw, &freq, &rec.Stale, &doc); err != nil {
			return nil, err
		}
		rec.Soc = floatPtr(soc)
		rec.PowerW = floatPtr(pw)
		rec.FrequencyHz = floatPtr(freq)
		if err := json.Unmarshal([]byte(doc), &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of persisted snapshots.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n)
	return n, err
}

// Close drains the queue, stops the writer and closes the database.
func (s *Store) Close() error {
	close(s.q)
	<-s.closed
	return s.db.Close()
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
