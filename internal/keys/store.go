package keys

import (
	"context"
	"sync"

	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/models"
)

// MemoryStore is the in-memory MetadataStore. Copies cross the boundary in
// both directions so callers cannot mutate stored state without Update.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*models.KeyMetadata
}

// NewMemoryStore creates an empty in-memory key metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*models.KeyMetadata)}
}

func (s *MemoryStore) Save(_ context.Context, key *models.KeyMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.ID]; exists {
		return errors.ErrConflict
	}
	s.keys[key.ID] = cloneKey(key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, keyID string) (*models.KeyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	return cloneKey(key), nil
}

func (s *MemoryStore) Update(_ context.Context, key *models.KeyMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return errors.ErrKeyNotFound
	}
	s.keys[key.ID] = cloneKey(key)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.KeyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.KeyMetadata, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, cloneKey(key))
	}
	return out, nil
}

func cloneKey(key *models.KeyMetadata) *models.KeyMetadata {
	clone := *key
	if key.Rotation != nil {
		rotation := *key.Rotation
		clone.Rotation = &rotation
	}
	if key.ExpiresAt != nil {
		expires := *key.ExpiresAt
		clone.ExpiresAt = &expires
	}
	clone.Purposes = append([]models.KeyPurpose(nil), key.Purposes...)
	clone.Compliance = append([]models.ComplianceStandard(nil), key.Compliance...)
	clone.Approvers = append([]string(nil), key.Approvers...)
	clone.AccessLog = append([]models.KeyAccessRecord(nil), key.AccessLog...)
	return &clone
}
