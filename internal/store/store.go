// Package store persists review workflow state. Records are read and written
// whole; field updates are read-modify-write at the caller.
package store

import (
	"context"
	"time"

	"github.com/hexfin/loanreview/model"
)

// Store persists ReviewState records keyed by (requestNumber, taskNumber).
type Store interface {
	// Create persists a new record. Returns CONFLICT if the key exists.
	Create(ctx context.Context, state model.ReviewState) error

	// Get retrieves a record by its composite key. Returns
	// WORKFLOW_NOT_FOUND if no record exists.
	Get(ctx context.Context, requestNumber, taskNumber string) (model.ReviewState, error)

	// Put persists an updated record with optimistic locking. The version
	// must match the stored version; on success the stored version is
	// incremented. Returns CONFLICT if the version has changed and
	// WORKFLOW_NOT_FOUND if the record is missing.
	Put(ctx context.Context, state model.ReviewState) error

	// GetByLoan returns all records for a loan number, newest first.
	GetByLoan(ctx context.Context, loanNumber string) ([]model.ReviewState, error)

	// FindExpired returns non-terminal records whose expires_at is before
	// the given cutoff time.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.ReviewState, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
