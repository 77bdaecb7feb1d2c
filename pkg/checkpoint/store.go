// Package checkpoint persists graph state snapshots. A thread's current
// state is its newest checkpoint; writes are accompanied by a write-ahead
// log of pending channel updates so interrupted steps can resume.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is an immutable snapshot of graph state at a step boundary.
type Checkpoint struct {
	ThreadID     string            `json:"thread_id"`
	Namespace    string            `json:"checkpoint_ns"`
	ID           string            `json:"checkpoint_id"`
	ParentID     string            `json:"parent_checkpoint_id,omitempty"`
	Type         string            `json:"type,omitempty"`
	State        models.GraphState `json:"state"`
	Metadata     Metadata          `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Metadata rides along with a checkpoint: step bookkeeping plus any pending
// interrupt awaiting human input.
type Metadata struct {
	Step        int        `json:"step"`
	Source      string     `json:"source,omitempty"` // "input", "loop", "update"
	NextNode    string     `json:"next_node,omitempty"`
	Interrupt   *Interrupt `json:"interrupt,omitempty"`
}

// Interrupt is a pending human-in-the-loop request attached to a checkpoint.
// The Value is passed through to the client verbatim.
type Interrupt struct {
	TaskID string         `json:"task_id"`
	Kind   string         `json:"kind,omitempty"` // "" or "tool_authorization"
	Value  map[string]any `json:"value"`
}

// PendingWrite is one entry of the write-ahead log for a task in a step.
type PendingWrite struct {
	TaskID   string `json:"task_id"`
	Idx      int    `json:"idx"`
	Channel  string `json:"channel"`
	Type     string `json:"type,omitempty"`
	Blob     []byte `json:"blob"`
	TaskPath string `json:"task_path,omitempty"`
}

// Blob is a channel+version keyed binary payload for large values.
type Blob struct {
	Channel string
	Version string
	Type    string
	Data    []byte
}

// Store is the durable checkpoint store.
// Implementations guarantee that a checkpoint is either fully visible or
// absent; partial writes never surface.
type Store interface {
	// Put persists a checkpoint. The write is atomic per (thread, namespace).
	Put(ctx context.Context, cp *Checkpoint) error

	// Latest returns the newest checkpoint for a thread, or ErrNotFound.
	Latest(ctx context.Context, threadID, ns string) (*Checkpoint, error)

	// Get returns a specific checkpoint, or ErrNotFound.
	Get(ctx context.Context, threadID, ns, id string) (*Checkpoint, error)

	// PutWrites appends write-ahead entries for a checkpoint.
	PutWrites(ctx context.Context, threadID, ns, checkpointID string, writes []PendingWrite) error

	// Writes returns the write-ahead log for a checkpoint, ordered by
	// (task_id, idx).
	Writes(ctx context.Context, threadID, ns, checkpointID string) ([]PendingWrite, error)

	// PutBlob stores a channel+version keyed payload.
	PutBlob(ctx context.Context, threadID, ns string, blob Blob) error

	// GetBlob fetches a payload, or ErrNotFound.
	GetBlob(ctx context.Context, threadID, ns, channel, version string) (*Blob, error)
}
