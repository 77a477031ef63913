package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opentalon/stepflow/internal/postmortem"
)

// WeightStore keeps skill failure weights in the skill_failure_weights
// table. Read-modify-write runs inside one transaction on the single
// connection, so concurrent accumulations add up.
type WeightStore struct {
	db *DB
}

func NewWeightStore(db *DB) *WeightStore {
	return &WeightStore{db: db}
}

func (s *WeightStore) Accumulate(ctx context.Context, contextID, skill string, sig postmortem.Signal, maxSignals int) (postmortem.Weight, error) {
	w := postmortem.Weight{ContextID: contextID, Skill: skill}
	tx, err := s.db.SQLDB().BeginTx(ctx, nil)
	if err != nil {
		return w, fmt.Errorf("weights: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var signalsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT accumulated_weight, failure_signals FROM skill_failure_weights WHERE context_id = ? AND skill_name = ?`,
		contextID, skill).Scan(&w.Accumulated, &signalsJSON)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return w, fmt.Errorf("weights: read: %w", err)
	}
	if signalsJSON != "" {
		if err := json.Unmarshal([]byte(signalsJSON), &w.Signals); err != nil {
			return w, fmt.Errorf("weights: decode signals: %w", err)
		}
	}

	w.Accumulated += sig.Weight
	w.Signals = append(w.Signals, sig)
	if maxSignals > 0 && len(w.Signals) > maxSignals {
		w.Signals = w.Signals[len(w.Signals)-maxSignals:]
	}
	data, err := json.Marshal(w.Signals)
	if err != nil {
		return w, fmt.Errorf("weights: encode signals: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO skill_failure_weights (context_id, skill_name, accumulated_weight, failure_signals, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(context_id, skill_name) DO UPDATE SET
		   accumulated_weight = excluded.accumulated_weight,
		   failure_signals = excluded.failure_signals,
		   updated_at = excluded.updated_at`,
		contextID, skill, w.Accumulated, string(data), now())
	if err != nil {
		return w, fmt.Errorf("weights: upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return w, fmt.Errorf("weights: commit: %w", err)
	}
	return w, nil
}

// Reset zeroes the weight and clears the signal list.
func (s *WeightStore) Reset(ctx context.Context, contextID, skill string) error {
	_, err := s.db.SQLDB().ExecContext(ctx,
		`UPDATE skill_failure_weights SET accumulated_weight = 0, failure_signals = '[]', updated_at = ?
		 WHERE context_id = ? AND skill_name = ?`, now(), contextID, skill)
	if err != nil {
		return fmt.Errorf("weights: reset: %w", err)
	}
	return nil
}

func (s *WeightStore) Get(ctx context.Context, contextID, skill string) (postmortem.Weight, error) {
	w := postmortem.Weight{ContextID: contextID, Skill: skill}
	var signalsJSON string
	err := s.db.SQLDB().QueryRowContext(ctx,
		`SELECT accumulated_weight, failure_signals FROM skill_failure_weights WHERE context_id = ? AND skill_name = ?`,
		contextID, skill).Scan(&w.Accumulated, &signalsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return w, fmt.Errorf("weights: get: %w", err)
	}
	_ = json.Unmarshal([]byte(signalsJSON), &w.Signals)
	return w, nil
}
