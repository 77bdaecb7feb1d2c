package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and local development.
// Semantics match PostgresStore: checkpoints are immutable, the newest one
// is the thread's current state, write-ahead entries keep the first write
// per (task_id, idx).
type MemoryStore struct {
	mu     sync.RWMutex
	cps    map[string][]*Checkpoint           // thread/ns → ordered checkpoints
	writes map[string][]PendingWrite          // thread/ns/checkpoint → WAL
	blobs  map[string]*Blob                   // thread/ns/channel/version → blob
	clock  func() time.Time
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cps:    make(map[string][]*Checkpoint),
		writes: make(map[string][]PendingWrite),
		blobs:  make(map[string]*Blob),
		clock:  time.Now,
	}
}

func threadKey(threadID, ns string) string { return threadID + "/" + ns }

// Put persists a checkpoint.
func (s *MemoryStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := cp.State.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *cp
	stored.State = cp.State.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock()
	}
	key := threadKey(cp.ThreadID, cp.Namespace)
	s.cps[key] = append(s.cps[key], &stored)
	return nil
}

// Latest returns the newest checkpoint.
func (s *MemoryStore) Latest(ctx context.Context, threadID, ns string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.cps[threadKey(threadID, ns)]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return copyCheckpoint(list[len(list)-1]), nil
}

// Get returns a specific checkpoint.
func (s *MemoryStore) Get(ctx context.Context, threadID, ns, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.cps[threadKey(threadID, ns)] {
		if cp.ID == id {
			return copyCheckpoint(cp), nil
		}
	}
	return nil, ErrNotFound
}

// PutWrites appends write-ahead entries, keeping the first write per
// (task_id, idx).
func (s *MemoryStore) PutWrites(ctx context.Context, threadID, ns, checkpointID string, writes []PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := threadKey(threadID, ns) + "/" + checkpointID
	existing := s.writes[key]
	for _, w := range writes {
		dup := false
		for _, e := range existing {
			if e.TaskID == w.TaskID && e.Idx == w.Idx {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, w)
		}
	}
	s.writes[key] = existing
	return nil
}

// Writes returns the write-ahead log for a checkpoint.
func (s *MemoryStore) Writes(ctx context.Context, threadID, ns, checkpointID string) ([]PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PendingWrite(nil), s.writes[threadKey(threadID, ns)+"/"+checkpointID]...), nil
}

// PutBlob stores a payload.
func (s *MemoryStore) PutBlob(ctx context.Context, threadID, ns string, blob Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := blob
	b.Data = append([]byte(nil), blob.Data...)
	s.blobs[threadKey(threadID, ns)+"/"+blob.Channel+"/"+blob.Version] = &b
	return nil
}

// GetBlob fetches a payload.
func (s *MemoryStore) GetBlob(ctx context.Context, threadID, ns, channel, version string) (*Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[threadKey(threadID, ns)+"/"+channel+"/"+version]
	if !ok {
		return nil, ErrNotFound
	}
	out := *b
	out.Data = append([]byte(nil), b.Data...)
	return &out, nil
}

func copyCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.State = cp.State.Clone()
	return &out
}
