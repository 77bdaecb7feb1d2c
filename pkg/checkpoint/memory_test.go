package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/models"
)

func TestMemoryStorePutLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Latest(ctx, "t1", "")
	assert.ErrorIs(t, err, ErrNotFound)

	first := &Checkpoint{
		ThreadID: "t1",
		ID:       "cp1",
		State:    models.GraphState{Messages: []models.Message{models.NewMessage(models.RoleUser, "hi")}},
		Metadata: Metadata{Step: 0, Source: "input", NextNode: "base"},
	}
	require.NoError(t, store.Put(ctx, first))

	second := &Checkpoint{
		ThreadID: "t1",
		ID:       "cp2",
		ParentID: "cp1",
		State:    models.GraphState{Messages: []models.Message{models.NewMessage(models.RoleUser, "hi"), models.NewMessage(models.RoleAssistant, "hello")}},
		Metadata: Metadata{Step: 1, Source: "loop"},
	}
	require.NoError(t, store.Put(ctx, second))

	latest, err := store.Latest(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "cp2", latest.ID)
	assert.Equal(t, "cp1", latest.ParentID)
	assert.Len(t, latest.State.Messages, 2)
	assert.False(t, latest.CreatedAt.IsZero())

	got, err := store.Get(ctx, "t1", "", "cp1")
	require.NoError(t, err)
	assert.Equal(t, "base", got.Metadata.NextNode)

	// Threads are isolated by id.
	_, err = store.Latest(ctx, "t2", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRejectsUnknownStateKeys(t *testing.T) {
	store := NewMemoryStore()
	err := store.Put(context.Background(), &Checkpoint{
		ThreadID: "t1",
		ID:       "cp1",
		State:    models.GraphState{Extra: map[models.StateKey]any{"bogus": 1}},
	})
	assert.Error(t, err)
}

func TestMemoryStoreIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	state := models.GraphState{Messages: []models.Message{models.NewMessage(models.RoleUser, "hi")}}
	require.NoError(t, store.Put(ctx, &Checkpoint{ThreadID: "t1", ID: "cp1", State: state}))

	// Mutating the caller's state after Put must not affect the store.
	state.Messages[0].AppendText(" mutated")

	got, err := store.Latest(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.State.Messages[0].Text())

	// Mutating a read result must not affect subsequent reads.
	got.State.Messages[0].AppendText(" also mutated")
	again, err := store.Latest(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "hi", again.State.Messages[0].Text())
}

func TestMemoryStoreInterruptRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, &Checkpoint{
		ThreadID: "t1",
		ID:       "cp1",
		State:    models.GraphState{},
		Metadata: Metadata{
			Step:     2,
			NextNode: "human_feedback",
			Interrupt: &Interrupt{
				TaskID: "task-1",
				Kind:   "tool_authorization",
				Value:  map[string]any{"questions": []string{"Proceed?"}},
			},
		},
	}))

	got, err := store.Latest(ctx, "t1", "")
	require.NoError(t, err)
	require.NotNil(t, got.Metadata.Interrupt)
	assert.Equal(t, "task-1", got.Metadata.Interrupt.TaskID)
	assert.Equal(t, "tool_authorization", got.Metadata.Interrupt.Kind)
}

func TestMemoryStoreWritesFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	writes := []PendingWrite{
		{TaskID: "task-1", Idx: 0, Channel: "messages", Blob: []byte("a")},
		{TaskID: "task-1", Idx: 1, Channel: "messages", Blob: []byte("b")},
	}
	require.NoError(t, store.PutWrites(ctx, "t1", "", "cp1", writes))

	// A retry of the same step must not overwrite the original entries.
	retry := []PendingWrite{
		{TaskID: "task-1", Idx: 0, Channel: "messages", Blob: []byte("changed")},
		{TaskID: "task-1", Idx: 2, Channel: "goto", Blob: []byte("c")},
	}
	require.NoError(t, store.PutWrites(ctx, "t1", "", "cp1", retry))

	got, err := store.Writes(ctx, "t1", "", "cp1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("a"), got[0].Blob)
	assert.Equal(t, []byte("c"), got[2].Blob)
}

func TestMemoryStoreBlobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.GetBlob(ctx, "t1", "", "messages", "v1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutBlob(ctx, "t1", "", Blob{
		Channel: "messages", Version: "v1", Type: "json", Data: []byte(`{"x":1}`),
	}))

	blob, err := store.GetBlob(ctx, "t1", "", "messages", "v1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"x":1}`), blob.Data)
}

func TestMemoryStoreClockOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	store.clock = func() time.Time { now = now.Add(time.Millisecond); return now }

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(ctx, &Checkpoint{ThreadID: "t1", ID: id, State: models.GraphState{}}))
	}
	latest, err := store.Latest(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, "c", latest.ID)
}
