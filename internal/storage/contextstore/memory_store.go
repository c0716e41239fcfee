package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cadenza-labs/cadenza-go/internal/domain"
	"github.com/cadenza-labs/cadenza-go/internal/repo"
)

// MemoryStore is an in-process Store used by tests. Documents are kept as
// encoded JSON so reads return detached copies, matching the object-store
// implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, doc domain.RunContext) error {
	if s == nil {
		return fmt.Errorf("context store not initialized")
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	blob, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode run context: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.PlaylistID] = blob
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, playlistID string) (domain.RunContext, error) {
	if s == nil {
		return domain.RunContext{}, fmt.Errorf("context store not initialized")
	}
	playlistID = strings.TrimSpace(playlistID)
	if playlistID == "" {
		return domain.RunContext{}, fmt.Errorf("playlist id is required")
	}
	s.mu.RLock()
	blob, ok := s.docs[playlistID]
	s.mu.RUnlock()
	if !ok {
		return domain.RunContext{}, repo.ErrNotFound
	}
	var doc domain.RunContext
	if err := json.Unmarshal(blob, &doc); err != nil {
		return domain.RunContext{}, fmt.Errorf("decode run context: %w", err)
	}
	return doc, nil
}
