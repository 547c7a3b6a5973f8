package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hexfin/loanreview/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
//
// Schema:
//
//	CREATE TABLE loan_review_states (
//	    request_number TEXT NOT NULL,
//	    task_number    TEXT NOT NULL,
//	    loan_number    TEXT NOT NULL,
//	    review_type    TEXT NOT NULL DEFAULT '',
//	    status         TEXT NOT NULL,
//	    decision       TEXT NOT NULL DEFAULT '',
//	    attributes     JSONB,
//	    correlation_id TEXT NOT NULL,
//	    execution_ref  TEXT NOT NULL DEFAULT '',
//	    task_token     TEXT NOT NULL DEFAULT '',
//	    version        INTEGER NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL,
//	    completed_at   TIMESTAMPTZ,
//	    expires_at     TIMESTAMPTZ,
//	    PRIMARY KEY (request_number, task_number)
//	);
//	CREATE INDEX idx_loan_review_states_loan ON loan_review_states (loan_number);
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL review state store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const stateColumns = `request_number, task_number, loan_number, review_type,
       status, decision, attributes, correlation_id, execution_ref,
       task_token, version, created_at, updated_at, completed_at, expires_at`

// Create inserts a new record.
func (s *PgStore) Create(ctx context.Context, state model.ReviewState) error {
	attrsJSON, err := json.Marshal(state.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO loan_review_states (`+stateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (request_number, task_number) DO NOTHING`,
		state.RequestNumber, state.TaskNumber, state.LoanNumber, state.ReviewType,
		state.Status, state.Decision, attrsJSON, state.CorrelationID, state.ExecutionRef,
		state.CurrentTaskToken, state.Version, state.CreatedAt, state.UpdatedAt,
		state.CompletedAt, state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert review state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("review state %q/%q already exists", state.RequestNumber, state.TaskNumber),
		)
	}
	return nil
}

// Get retrieves a record by its composite key.
func (s *PgStore) Get(ctx context.Context, requestNumber, taskNumber string) (model.ReviewState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+stateColumns+`
		FROM loan_review_states
		WHERE request_number = $1 AND task_number = $2`,
		requestNumber, taskNumber,
	)

	state, err := scanState(row)
	if err == pgx.ErrNoRows {
		return model.ReviewState{}, model.NewNotFoundError(
			fmt.Sprintf("no workflow found for request %q task %q", requestNumber, taskNumber),
		)
	}
	if err != nil {
		return model.ReviewState{}, fmt.Errorf("query review state: %w", err)
	}
	return state, nil
}

// Put persists an updated record with optimistic locking.
func (s *PgStore) Put(ctx context.Context, state model.ReviewState) error {
	attrsJSON, err := json.Marshal(state.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	state.Touch(time.Now())

	tag, err := s.pool.Exec(ctx, `
		UPDATE loan_review_states SET
			loan_number = $1,
			review_type = $2,
			status = $3,
			decision = $4,
			attributes = $5,
			execution_ref = $6,
			task_token = $7,
			version = $8,
			updated_at = $9,
			completed_at = $10,
			expires_at = $11
		WHERE request_number = $12 AND task_number = $13 AND version = $14`,
		state.LoanNumber, state.ReviewType, state.Status, state.Decision,
		attrsJSON, state.ExecutionRef, state.CurrentTaskToken, state.Version+1,
		state.UpdatedAt, state.CompletedAt, state.ExpiresAt,
		state.RequestNumber, state.TaskNumber, state.Version,
	)
	if err != nil {
		return fmt.Errorf("update review state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing record from a version conflict.
		if _, getErr := s.Get(ctx, state.RequestNumber, state.TaskNumber); getErr != nil {
			return getErr
		}
		return model.NewConflictError(
			fmt.Sprintf("review state %q/%q version conflict (expected %d)",
				state.RequestNumber, state.TaskNumber, state.Version),
		)
	}
	return nil
}

// GetByLoan returns all records for a loan number, newest first.
func (s *PgStore) GetByLoan(ctx context.Context, loanNumber string) ([]model.ReviewState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stateColumns+`
		FROM loan_review_states
		WHERE loan_number = $1
		ORDER BY created_at DESC`,
		loanNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("query review states by loan: %w", err)
	}
	defer rows.Close()

	return collectStates(rows)
}

// FindExpired returns non-terminal records past their expiration time.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.ReviewState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stateColumns+`
		FROM loan_review_states
		WHERE status NOT IN ('COMPLETED', 'FAILED')
		  AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired review states: %w", err)
	}
	defer rows.Close()

	return collectStates(rows)
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanState scans one row into a ReviewState.
func scanState(row pgx.Row) (model.ReviewState, error) {
	var state model.ReviewState
	var attrsJSON []byte

	err := row.Scan(
		&state.RequestNumber, &state.TaskNumber, &state.LoanNumber, &state.ReviewType,
		&state.Status, &state.Decision, &attrsJSON, &state.CorrelationID, &state.ExecutionRef,
		&state.CurrentTaskToken, &state.Version, &state.CreatedAt, &state.UpdatedAt,
		&state.CompletedAt, &state.ExpiresAt,
	)
	if err != nil {
		return model.ReviewState{}, err
	}

	if attrsJSON != nil {
		if err := json.Unmarshal(attrsJSON, &state.Attributes); err != nil {
			return model.ReviewState{}, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return state, nil
}

// collectStates scans all rows into ReviewStates.
func collectStates(rows pgx.Rows) ([]model.ReviewState, error) {
	var states []model.ReviewState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}
