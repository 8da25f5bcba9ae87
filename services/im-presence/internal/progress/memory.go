package progress

import (
	"context"
	"sync"

	"yuim/libs/core-push-go/pkg/event"
)

// MemoryStore keeps records in process. Dev runs and tests only; nothing
// survives a restart.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]event.Progress
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]event.Progress)}
}

func (s *MemoryStore) GetProgress(_ context.Context, userID, mangaID string) (event.Progress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.m[userID+"\x00"+mangaID]
	return p, ok, nil
}

func (s *MemoryStore) PutProgress(_ context.Context, p event.Progress) error {
	p.Username, p.MangaTitle = "", ""
	s.mu.Lock()
	s.m[p.UserID+"\x00"+p.MangaID] = p
	s.mu.Unlock()
	return nil
}
