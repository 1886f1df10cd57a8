// Package history persists computed GreenDrive Scores so that a vehicle's score can be charted
// over time.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/greendrive/vehicle-score/pkg/score"
)

// DefaultLimit is the number of records returned by List when no limit is given.
const DefaultLimit = 50

// Record is a persisted score.
type Record struct {
	ID            string          `json:"id"`
	VIN           string          `json:"vin"`
	TotalScore    int             `json:"totalScore"`
	Tier          string          `json:"tier"`
	RateReduction float64         `json:"rateReduction"`
	Breakdown     score.Breakdown `json:"breakdown"`
	ComputedAt    time.Time       `json:"computedAt"`
}

// Store is a score history backed by SQLite.
type Store struct {
	db *sql.DB
}

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS score_history (
	id TEXT PRIMARY KEY,
	vin TEXT NOT NULL,
	total_score INTEGER NOT NULL,
	tier TEXT NOT NULL,
	rate_reduction REAL NOT NULL,
	breakdown TEXT NOT NULL,
	computed_at_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_score_history_vin ON score_history (vin, computed_at_ns);
`

// New opens (creating if necessary) the history database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(createHistoryTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Append stores gs and returns the new record.
func (s *Store) Append(ctx context.Context, gs *score.GreenScore) (*Record, error) {
	if gs == nil {
		return nil, errors.New("history append: nil score")
	}
	breakdown, err := json.Marshal(gs.Breakdown)
	if err != nil {
		return nil, fmt.Errorf("history append: %w", err)
	}
	r := &Record{
		ID:            uuid.NewString(),
		VIN:           gs.VIN,
		TotalScore:    gs.TotalScore,
		Tier:          gs.Tier,
		RateReduction: gs.RateReduction,
		Breakdown:     gs.Breakdown,
		ComputedAt:    gs.ComputedAt.UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO score_history (id, vin, total_score, tier, rate_reduction, breakdown, computed_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.VIN, r.TotalScore, r.Tier, r.RateReduction, string(breakdown), r.ComputedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("history append: %w", err)
	}
	return r, nil
}

// List returns up to limit records for vin, most recent first. A non-positive limit uses
// DefaultLimit.
func (s *Store) List(ctx context.Context, vin string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vin, total_score, tier, rate_reduction, breakdown, computed_at_ns
		 FROM score_history WHERE vin = ? ORDER BY computed_at_ns DESC LIMIT ?`,
		vin, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var breakdown string
		var computedAt int64
		if err := rows.Scan(&r.ID, &r.VIN, &r.TotalScore, &r.Tier, &r.RateReduction, &breakdown, &computedAt); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		if err := json.Unmarshal([]byte(breakdown), &r.Breakdown); err != nil {
			return nil, fmt.Errorf("history breakdown for %s: %w", r.ID, err)
		}
		r.ComputedAt = time.Unix(0, computedAt).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
