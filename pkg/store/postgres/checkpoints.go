// Package postgres persists pipeline checkpoints between runs. The engine
// stays storage-agnostic; the CLI flushes ExecutionContext state here when
// a database is configured, or to a JSON file when not.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a pipeline has no stored checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// DB is the narrow slice of *sql.DB the store needs. *sql.Tx satisfies it
// too, so callers can scope saves to a transaction.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Checkpoint is one pipeline's persisted progress.
type Checkpoint struct {
	Pipeline   string
	LastStepID string
	Data       map[string]map[string]any
	UpdatedAt  time.Time
}

const (
	upsertCheckpointQuery = `INSERT INTO pipeline_checkpoints (
			pipeline,
			last_step_id,
			data,
			updated_at
		) VALUES ($1,$2,$3,$4)
		ON CONFLICT (pipeline) DO UPDATE SET
			last_step_id = EXCLUDED.last_step_id,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`

	selectCheckpointQuery = `SELECT last_step_id, data, updated_at
		FROM pipeline_checkpoints
		WHERE pipeline = $1`

	deleteCheckpointQuery = `DELETE FROM pipeline_checkpoints WHERE pipeline = $1`
)

type CheckpointStore struct {
	db DB
}

func NewCheckpointStore(db DB) *CheckpointStore {
	if db == nil {
		return nil
	}
	return &CheckpointStore{db: db}
}

// Save upserts the checkpoint for a pipeline.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	name := strings.TrimSpace(cp.Pipeline)
	if name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	data := cp.Data
	if data == nil {
		data = map[string]map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode checkpoint data: %w", err)
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, upsertCheckpointQuery,
		name, strings.TrimSpace(cp.LastStepID), payload, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// Load returns the stored checkpoint for a pipeline, or ErrNotFound.
func (s *CheckpointStore) Load(ctx context.Context, pipeline string) (Checkpoint, error) {
	if s == nil || s.db == nil {
		return Checkpoint{}, fmt.Errorf("checkpoint store not initialized")
	}
	name := strings.TrimSpace(pipeline)
	if name == "" {
		return Checkpoint{}, fmt.Errorf("pipeline name is required")
	}

	var (
		lastStep  string
		payload   []byte
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, selectCheckpointQuery, name).
		Scan(&lastStep, &payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("select checkpoint: %w", err)
	}

	data := map[string]map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return Checkpoint{}, fmt.Errorf("decode checkpoint data: %w", err)
		}
	}
	return Checkpoint{
		Pipeline:   name,
		LastStepID: lastStep,
		Data:       data,
		UpdatedAt:  updatedAt,
	}, nil
}

// Delete removes a pipeline's checkpoint. Deleting a missing row is not an
// error; a fresh run simply starts from scratch.
func (s *CheckpointStore) Delete(ctx context.Context, pipeline string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("checkpoint store not initialized")
	}
	name := strings.TrimSpace(pipeline)
	if name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if _, err := s.db.ExecContext(ctx, deleteCheckpointQuery, name); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
