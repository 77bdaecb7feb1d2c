// Package memory is a namespaced key-value store for long-lived agent
// memory, persisted next to the checkpoints.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowmesh/flowmesh/pkg/database"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("memory entry not found")

// Entry is one stored value.
type Entry struct {
	Prefix    string          `json:"prefix"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists entries keyed by (prefix, key). Prefixes namespace users
// or threads; keys are caller-chosen.
type Store struct {
	db *database.Client
}

// NewStore builds a store over the shared pool.
func NewStore(db *database.Client) *Store {
	return &Store{db: db}
}

// Put upserts a value.
func (s *Store) Put(ctx context.Context, prefix, key string, value json.RawMessage) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO memory_store (prefix, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (prefix, key) DO UPDATE SET value = $3, updated_at = now()`,
		prefix, key, value)
	if err != nil {
		return fmt.Errorf("failed to put memory %s/%s: %w", prefix, key, err)
	}
	return nil
}

// Get returns one entry.
func (s *Store) Get(ctx context.Context, prefix, key string) (*Entry, error) {
	var e Entry
	err := s.db.Pool().QueryRow(ctx, `
		SELECT prefix, key, value, updated_at FROM memory_store
		WHERE prefix = $1 AND key = $2`, prefix, key).
		Scan(&e.Prefix, &e.Key, &e.Value, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory %s/%s: %w", prefix, key, err)
	}
	return &e, nil
}

// List returns all entries under a prefix, newest first.
func (s *Store) List(ctx context.Context, prefix string) ([]*Entry, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT prefix, key, value, updated_at FROM memory_store
		WHERE prefix = $1 ORDER BY updated_at DESC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Prefix, &e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan memory entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Delete removes an entry; deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, prefix, key string) error {
	_, err := s.db.Pool().Exec(ctx,
		`DELETE FROM memory_store WHERE prefix = $1 AND key = $2`, prefix, key)
	if err != nil {
		return fmt.Errorf("failed to delete memory %s/%s: %w", prefix, key, err)
	}
	return nil
}
