package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

// ErrDuplicate is returned when inserting a result whose id already exists
var ErrDuplicate = errors.New("result already exists")

// Store persists generation results and answers cache lookups.
//
// Every I/O failure is wrapped in generation.ErrStorage. Complete and Fail
// may be repeated for the same id; switching a result from one terminal
// state to the other returns generation.ErrAlreadyTerminal.
type Store interface {
	// CreatePending inserts a new pending result for model and prompt
	CreatePending(ctx context.Context, model, prompt string) (*generation.Result, error)

	// Insert persists a pending result built by the caller
	Insert(ctx context.Context, r *generation.Result) error

	// Get returns the result with id or generation.ErrNotFound
	Get(ctx context.Context, id uuid.UUID) (*generation.Result, error)

	// GetCachedCompleted returns the most recently completed result for key,
	// or nil when there is none
	GetCachedCompleted(ctx context.Context, key generation.CacheKey) (*generation.Result, error)

	// Complete stores the response and marks the result completed
	Complete(ctx context.Context, id uuid.UUID, response string) error

	// Fail stores the failure description and marks the result failed
	Fail(ctx context.Context, id uuid.UUID, errText string) error

	// RecordAttempt appends a transient error to a pending result
	RecordAttempt(ctx context.Context, id uuid.UUID, attempt int, errText string) error

	// Ping checks connectivity
	Ping(ctx context.Context) error

	// Close releases resources owned by the store
	Close() error
}
