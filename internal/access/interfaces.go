package access

import (
	"context"
	"sync"

	"github.com/castellan-project/castellan/internal/audit"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/models"
)

// AssignmentStore persists user-role assignments.
type AssignmentStore interface {
	Save(ctx context.Context, assignment *models.UserRoleAssignment) error
	ListByUser(ctx context.Context, userID string) ([]*models.UserRoleAssignment, error)
	Deactivate(ctx context.Context, userID, role string) (int, error)
}

// PolicyStore persists access policies.
type PolicyStore interface {
	Upsert(ctx context.Context, policy *models.AccessPolicy) error
	Remove(ctx context.Context, policyID string) error
	ListByResourceType(ctx context.Context, resourceType string) ([]*models.AccessPolicy, error)
}

// Recorder receives audit events for access decisions and role changes.
type Recorder interface {
	LogEvent(ctx context.Context, entry audit.Entry) (*models.AuditEvent, error)
}

// MemoryAssignmentStore is the in-memory AssignmentStore.
type MemoryAssignmentStore struct {
	mu          sync.RWMutex
	assignments []*models.UserRoleAssignment
}

// NewMemoryAssignmentStore creates an empty in-memory assignment store.
func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{}
}

func (s *MemoryAssignmentStore) Save(_ context.Context, assignment *models.UserRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *assignment
	s.assignments = append(s.assignments, &clone)
	return nil
}

func (s *MemoryAssignmentStore) ListByUser(_ context.Context, userID string) ([]*models.UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UserRoleAssignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryAssignmentStore) Deactivate(_ context.Context, userID, role string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, a := range s.assignments {
		if a.UserID == userID && a.Role == role && a.Active {
			a.Active = false
			count++
		}
	}
	return count, nil
}

// MemoryPolicyStore is the in-memory PolicyStore.
type MemoryPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*models.AccessPolicy
}

// NewMemoryPolicyStore creates an empty in-memory policy store.
func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{policies: make(map[string]*models.AccessPolicy)}
}

func (s *MemoryPolicyStore) Upsert(_ context.Context, policy *models.AccessPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *policy
	s.policies[policy.ID] = &clone
	return nil
}

func (s *MemoryPolicyStore) Remove(_ context.Context, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[policyID]; !ok {
		return errors.ErrPolicyNotFound
	}
	delete(s.policies, policyID)
	return nil
}

func (s *MemoryPolicyStore) ListByResourceType(_ context.Context, resourceType string) ([]*models.AccessPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AccessPolicy
	for _, p := range s.policies {
		if p.ResourceType == resourceType {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out, nil
}
