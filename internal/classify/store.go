package classify

import (
	"context"
	"sync"

	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/models"
)

// Store persists classification results. Save overwrites any previous
// result for the same subject.
type Store interface {
	Save(ctx context.Context, result *models.ClassifiedData) error
	Get(ctx context.Context, subjectID string) (*models.ClassifiedData, error)
	List(ctx context.Context) ([]*models.ClassifiedData, error)
}

// MemoryStore is an in-memory Store keyed by subject ID.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]models.ClassifiedData
}

// NewMemoryStore creates an empty in-memory classification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]models.ClassifiedData)}
}

func (s *MemoryStore) Save(_ context.Context, result *models.ClassifiedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.SubjectID] = *result
	return nil
}

func (s *MemoryStore) Get(_ context.Context, subjectID string) (*models.ClassifiedData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[subjectID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	snapshot := result
	return &snapshot, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.ClassifiedData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ClassifiedData, 0, len(s.results))
	for _, result := range s.results {
		snapshot := result
		out = append(out, &snapshot)
	}
	return out, nil
}
