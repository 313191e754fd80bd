package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

const resultColumns = `id, model, prompt, cache_key, response, error, status, attempts, error_trail, created_at, completed_at`

// PostgresStore implements Store on a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore wraps an existing pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		now:  time.Now,
	}
}

// CreatePending inserts a new pending result
func (ps *PostgresStore) CreatePending(ctx context.Context, model, prompt string) (*generation.Result, error) {
	r, err := generation.NewPending(model, prompt, ps.now())
	if err != nil {
		return nil, err
	}
	if err := ps.Insert(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Insert persists a caller-built pending result
func (ps *PostgresStore) Insert(ctx context.Context, r *generation.Result) error {
	if r == nil || r.ID == uuid.Nil {
		return fmt.Errorf("%w: result must have an id", generation.ErrInvalidInput)
	}

	const query = `
		INSERT INTO generation_results (id, model, prompt, cache_key, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := ps.pool.Exec(ctx, query, r.ID, r.Model, r.Prompt, r.CacheKey.String(), string(generation.StatusPending), r.CreatedAt)
	if err != nil {
		return classifyPgError("insert", err)
	}
	return nil
}

// Get retrieves a result by id
func (ps *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*generation.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM generation_results WHERE id = $1`

	r, err := scanResult(ps.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result %s: %w", id, generation.ErrNotFound)
	}
	if err != nil {
		return nil, classifyPgError("get", err)
	}
	return r, nil
}

// GetCachedCompleted returns the newest completed result for key
func (ps *PostgresStore) GetCachedCompleted(ctx context.Context, key generation.CacheKey) (*generation.Result, error) {
	query := `SELECT ` + resultColumns + `
		FROM generation_results
		WHERE cache_key = $1 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1`

	r, err := scanResult(ps.pool.QueryRow(ctx, query, key.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPgError("cache lookup", err)
	}
	return r, nil
}

// Complete marks a result completed with response
func (ps *PostgresStore) Complete(ctx context.Context, id uuid.UUID, response string) error {
	const query = `
		UPDATE generation_results
		SET status = 'completed', response = $2, error = NULL,
		    completed_at = GREATEST($3::timestamptz, created_at)
		WHERE id = $1 AND status IN ('pending', 'completed')`

	tag, err := ps.pool.Exec(ctx, query, id, response, ps.now().UTC())
	if err != nil {
		return classifyPgError("complete", err)
	}
	if tag.RowsAffected() == 0 {
		return ps.explainMiss(ctx, "complete", id)
	}
	return nil
}

// Fail marks a result failed with errText
func (ps *PostgresStore) Fail(ctx context.Context, id uuid.UUID, errText string) error {
	const query = `
		UPDATE generation_results
		SET status = 'failed', response = NULL, error = $2,
		    completed_at = GREATEST($3::timestamptz, created_at)
		WHERE id = $1 AND status IN ('pending', 'failed')`

	tag, err := ps.pool.Exec(ctx, query, id, errText, ps.now().UTC())
	if err != nil {
		return classifyPgError("fail", err)
	}
	if tag.RowsAffected() == 0 {
		return ps.explainMiss(ctx, "fail", id)
	}
	return nil
}

// RecordAttempt appends errText to the error trail of a pending result
func (ps *PostgresStore) RecordAttempt(ctx context.Context, id uuid.UUID, attempt int, errText string) error {
	const query = `
		UPDATE generation_results
		SET attempts = GREATEST(attempts, $2),
		    error_trail = CASE WHEN $3::text = '' THEN error_trail ELSE array_append(error_trail, $3::text) END
		WHERE id = $1 AND status = 'pending'`

	tag, err := ps.pool.Exec(ctx, query, id, attempt, errText)
	if err != nil {
		return classifyPgError("record attempt", err)
	}
	if tag.RowsAffected() == 0 {
		// Terminal results ignore late attempt records
		if err := ps.explainMiss(ctx, "record attempt", id); !errors.Is(err, generation.ErrAlreadyTerminal) {
			return err
		}
	}
	return nil
}

// explainMiss tells a missing row apart from a terminal-state conflict
func (ps *PostgresStore) explainMiss(ctx context.Context, op string, id uuid.UUID) error {
	var status string
	err := ps.pool.QueryRow(ctx, `SELECT status FROM generation_results WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return generation.StorageError(op, fmt.Errorf("result %s: %w", id, generation.ErrNotFound))
	}
	if err != nil {
		return classifyPgError(op, err)
	}
	return fmt.Errorf("%s %s (status %s): %w", op, id, status, generation.ErrAlreadyTerminal)
}

// Ping checks database connectivity
func (ps *PostgresStore) Ping(ctx context.Context) error {
	if err := ps.pool.Ping(ctx); err != nil {
		return generation.StorageError("ping", err)
	}
	return nil
}

// Close closes the pool
func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}

func scanResult(row pgx.Row) (*generation.Result, error) {
	var (
		r        generation.Result
		key      string
		status   string
		errText  *string
		trail    []string
		complete *time.Time
	)

	err := row.Scan(&r.ID, &r.Model, &r.Prompt, &key, &r.Response, &errText, &status, &r.Attempts, &trail, &r.CreatedAt, &complete)
	if err != nil {
		return nil, err
	}

	r.CacheKey = generation.CacheKey(key)
	r.Status = generation.Status(status)
	if errText != nil {
		r.Error = *errText
	}
	if len(trail) > 0 {
		r.ErrorTrail = trail
	}
	r.CompletedAt = complete
	return &r, nil
}

// classifyPgError maps driver errors onto the storage error kinds
func classifyPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return generation.StorageError(op, ErrDuplicate)
		case pgerrcode.CharacterNotInRepertoire, pgerrcode.UntranslatableCharacter:
			return fmt.Errorf("%w: %s", generation.ErrInvalidInput, pgErr.Message)
		}
	}
	return generation.StorageError(op, err)
}
