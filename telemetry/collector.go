// Package telemetry records one row per finalized request in SQLite and
// aggregates them into the /metrics payload. The collector is optional
// everywhere it is used: RecordRepair and Close on a nil *Collector are
// no-ops (GetStats needs a non-nil collector), and a failure to open the
// database only disables recording, never startup.
package telemetry

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Collector records repair events and exposes aggregate stats via SQLite.
type Collector struct {
	db *sql.DB
}

// RepairEvent captures the outcome of one finalized request.
type RepairEvent struct {
	ID             string
	Model          string
	Stream         bool
	Status         string
	ParseOK        bool
	RepairsApplied []string
	LatencyMs      int
}

// Stats holds the aggregate repair metrics.
type Stats struct {
	TotalRequests    int            `json:"total_requests"`
	RepairRate       float64        `json:"repair_rate"`
	ParseSuccessRate float64        `json:"parse_success_rate"`
	RepairTypes      map[string]int `json:"repair_types"`
	LastUpdated      time.Time      `json:"last_updated"`
}

// NewCollector opens (or creates) the SQLite database at dbPath and ensures
// the repair_events table exists.
func NewCollector(dbPath string) (*Collector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS repair_events (
		id TEXT PRIMARY KEY,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		model TEXT,
		stream INTEGER,
		status TEXT,
		parse_ok INTEGER,
		repairs TEXT,
		latency_ms INTEGER
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Collector{db: db}, nil
}

// Close releases the database connection.
func (c *Collector) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// RecordRepair inserts a new repair event. A nil collector records nothing.
func (c *Collector) RecordRepair(e RepairEvent) error {
	if c == nil {
		return nil
	}
	repairsJSON, _ := json.Marshal(e.RepairsApplied)
	_, err := c.db.Exec(
		`INSERT INTO repair_events (id, model, stream, status, parse_ok, repairs, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Model, e.Stream, e.Status, e.ParseOK, string(repairsJSON), e.LatencyMs,
	)
	return err
}

// GetStats returns aggregate repair metrics across all recorded events.
func (c *Collector) GetStats() (*Stats, error) {
	stats := &Stats{
		RepairTypes: make(map[string]int),
		LastUpdated: time.Now().UTC(),
	}

	var repaired, parsed int
	err := c.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'REPAIRED' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(parse_ok), 0)
		 FROM repair_events`,
	).Scan(&stats.TotalRequests, &repaired, &parsed)
	if err != nil {
		return nil, err
	}

	if stats.TotalRequests > 0 {
		stats.RepairRate = round3(float64(repaired) / float64(stats.TotalRequests))
		stats.ParseSuccessRate = round3(float64(parsed) / float64(stats.TotalRequests))
	}

	// Histogram of applied repair passes; the repairs column stores a JSON
	// array of pass names per event.
	rows, err := c.db.Query(`SELECT repairs FROM repair_events WHERE repairs != '' AND repairs != 'null'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			continue
		}
		for _, name := range names {
			stats.RepairTypes[name]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

func round3(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}
