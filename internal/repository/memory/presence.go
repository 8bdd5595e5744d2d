package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/lalith-99/echolink/internal/models"
)

// PresenceStore keeps presence entries in process memory.
type PresenceStore struct {
	mu      sync.RWMutex
	entries map[string]models.PresenceEntry
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{entries: make(map[string]models.PresenceEntry)}
}

func (s *PresenceStore) Upsert(_ context.Context, e models.PresenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.UserID] = e
	return nil
}

func (s *PresenceStore) Get(_ context.Context, userID string) (*models.PresenceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[userID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// List returns entries sorted by user id.
func (s *PresenceStore) List(_ context.Context) ([]models.PresenceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PresenceEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
