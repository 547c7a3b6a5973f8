package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hexfin/loanreview/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.ReviewState // key: requestNumber + "/" + taskNumber
}

// NewMemoryStore creates a new in-memory review state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]model.ReviewState),
	}
}

func recordKey(requestNumber, taskNumber string) string {
	return requestNumber + "/" + taskNumber
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, state model.ReviewState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(state.RequestNumber, state.TaskNumber)
	if _, exists := s.records[key]; exists {
		return model.NewConflictError(
			fmt.Sprintf("review state %q already exists", key),
		)
	}

	s.records[key] = state
	return nil
}

// Get retrieves a record by its composite key.
func (s *MemoryStore) Get(_ context.Context, requestNumber, taskNumber string) (model.ReviewState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.records[recordKey(requestNumber, taskNumber)]
	if !exists {
		return model.ReviewState{}, model.NewNotFoundError(
			fmt.Sprintf("no workflow found for request %q task %q", requestNumber, taskNumber),
		)
	}
	return state, nil
}

// Put persists an updated record with optimistic locking.
func (s *MemoryStore) Put(_ context.Context, state model.ReviewState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(state.RequestNumber, state.TaskNumber)
	existing, exists := s.records[key]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("review state %q not found", key),
		)
	}

	// Optimistic lock check.
	if existing.Version != state.Version {
		return model.NewConflictError(
			fmt.Sprintf("review state %q version conflict (expected %d, got %d)",
				key, state.Version, existing.Version),
		)
	}

	state.Version++
	state.Touch(time.Now())
	s.records[key] = state
	return nil
}

// GetByLoan returns all records for a loan number, newest first.
func (s *MemoryStore) GetByLoan(_ context.Context, loanNumber string) ([]model.ReviewState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ReviewState
	for _, state := range s.records {
		if state.LoanNumber == loanNumber {
			result = append(result, state)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// FindExpired returns non-terminal records past their expiration time.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.ReviewState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ReviewState
	for _, state := range s.records {
		if state.Status.Terminal() {
			continue
		}
		if state.ExpiresAt == nil || !state.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, state)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})
	return result, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the total number of records. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
