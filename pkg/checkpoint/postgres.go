package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists checkpoints in the four checkpoint relations.
// Writers serialize per (thread_id, checkpoint_ns) with a transaction-scoped
// advisory lock; readers see the latest committed checkpoint.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps the shared pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Put persists a checkpoint atomically.
// The graph state is validated before write so unknown extension keys never
// reach storage.
func (s *PostgresStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := cp.State.Validate(); err != nil {
		return fmt.Errorf("checkpoint state rejected: %w", err)
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	metaJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockThread(ctx, tx, cp.ThreadID, cp.Namespace); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, type, state, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)`,
		cp.ThreadID, cp.Namespace, cp.ID, cp.ParentID, cp.Type, stateJSON, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	return tx.Commit(ctx)
}

// Latest returns the newest checkpoint for a thread.
func (s *PostgresStore) Latest(ctx context.Context, threadID, ns string) (*Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT thread_id, checkpoint_ns, checkpoint_id, COALESCE(parent_id, ''), COALESCE(type, ''), state, metadata, created_at
		FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1`,
		threadID, ns)
	return scanCheckpoint(row)
}

// Get returns a specific checkpoint.
func (s *PostgresStore) Get(ctx context.Context, threadID, ns, id string) (*Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT thread_id, checkpoint_ns, checkpoint_id, COALESCE(parent_id, ''), COALESCE(type, ''), state, metadata, created_at
		FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3`,
		threadID, ns, id)
	return scanCheckpoint(row)
}

// PutWrites appends write-ahead entries. Idempotent on replay: conflicting
// (task_id, idx) rows keep the first write.
func (s *PostgresStore) PutWrites(ctx context.Context, threadID, ns, checkpointID string, writes []PendingWrite) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockThread(ctx, tx, threadID, ns); err != nil {
		return err
	}

	for _, w := range writes {
		_, err := tx.Exec(ctx, `
			INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, type, blob, task_path)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
			ON CONFLICT (thread_id, checkpoint_ns, checkpoint_id, task_id, idx) DO NOTHING`,
			threadID, ns, checkpointID, w.TaskID, w.Idx, w.Channel, w.Type, w.Blob, w.TaskPath)
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint write: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Writes returns the write-ahead log for a checkpoint.
func (s *PostgresStore) Writes(ctx context.Context, threadID, ns, checkpointID string) ([]PendingWrite, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, idx, channel, COALESCE(type, ''), blob, task_path
		FROM checkpoint_writes
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND checkpoint_id = $3
		ORDER BY task_id, idx`,
		threadID, ns, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint writes: %w", err)
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var w PendingWrite
		if err := rows.Scan(&w.TaskID, &w.Idx, &w.Channel, &w.Type, &w.Blob, &w.TaskPath); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint write: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PutBlob stores a channel+version keyed payload.
func (s *PostgresStore) PutBlob(ctx context.Context, threadID, ns string, blob Blob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoint_blobs (thread_id, checkpoint_ns, channel, version, type, blob)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id, checkpoint_ns, channel, version) DO UPDATE SET type = $5, blob = $6`,
		threadID, ns, blob.Channel, blob.Version, blob.Type, blob.Data)
	if err != nil {
		return fmt.Errorf("failed to upsert checkpoint blob: %w", err)
	}
	return nil
}

// GetBlob fetches a payload.
func (s *PostgresStore) GetBlob(ctx context.Context, threadID, ns, channel, version string) (*Blob, error) {
	var b Blob
	b.Channel = channel
	b.Version = version
	err := s.pool.QueryRow(ctx, `
		SELECT type, blob FROM checkpoint_blobs
		WHERE thread_id = $1 AND checkpoint_ns = $2 AND channel = $3 AND version = $4`,
		threadID, ns, channel, version).Scan(&b.Type, &b.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint blob: %w", err)
	}
	return &b, nil
}

// lockThread serializes writers for one (thread, namespace). The advisory
// lock is transaction-scoped and released on commit or rollback.
func lockThread(ctx context.Context, tx pgx.Tx, threadID, ns string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1 || '/' || $2, 0))`, threadID, ns)
	if err != nil {
		return fmt.Errorf("failed to lock thread: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var stateJSON, metaJSON []byte
	err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.ID, &cp.ParentID, &cp.Type, &stateJSON, &metaJSON, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if err := json.Unmarshal(metaJSON, &cp.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &cp, nil
}
