package preserve

import (
	"context"
	"sync"
	"time"
)

// PreservedContext is a serialized context payload held across a handoff
// boundary. Entries are owned exclusively by the Manager for their
// lifetime: created on preserve, consumed on restore, discarded on
// rollback.
type PreservedContext struct {
	HandoffID      string    `json:"handoff_id"`
	SerializedData string    `json:"serialized_data"`
	Checksum       string    `json:"checksum"`
	Timestamp      time.Time `json:"timestamp"`
	Size           int       `json:"size"`
}

// Store persists preserved context entries keyed by handoff ID.
type Store interface {
	// Name identifies the backend in logs and metric labels.
	Name() string
	Put(ctx context.Context, entry *PreservedContext) error
	// Get returns the entry and whether it exists.
	Get(ctx context.Context, handoffID string) (*PreservedContext, bool, error)
	// Delete removes an entry. Deleting a missing entry is a no-op.
	Delete(ctx context.Context, handoffID string) error
	// Stats returns the live entry count and total serialized bytes.
	Stats(ctx context.Context) (count int, bytes int64, err error)
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*PreservedContext
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*PreservedContext)}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Put(_ context.Context, entry *PreservedContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries[entry.HandoffID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, handoffID string) (*PreservedContext, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[handoffID]
	if !ok {
		return nil, false, nil
	}
	cp := *entry
	return &cp, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, handoffID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, handoffID)
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (int, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bytes int64
	for _, e := range s.entries {
		bytes += int64(e.Size)
	}
	return len(s.entries), bytes, nil
}
