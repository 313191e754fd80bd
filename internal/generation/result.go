package generation

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a generation result
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Result is the persisted record of one generation request.
//
// Response is set only when Status is StatusCompleted. A failed result
// carries its failure description in Error instead.
type Result struct {
	ID          uuid.UUID  `json:"id"`
	Model       string     `json:"model"`
	Prompt      string     `json:"prompt"`
	CacheKey    CacheKey   `json:"cache_key"`
	Response    *string    `json:"response,omitempty"`
	Error       string     `json:"error,omitempty"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	ErrorTrail  []string   `json:"error_trail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewPending builds a pending result with a fresh id
func NewPending(model, prompt string, now time.Time) (*Result, error) {
	key, err := ComputeCacheKey(model, prompt)
	if err != nil {
		return nil, err
	}

	return &Result{
		ID:        uuid.New(),
		Model:     model,
		Prompt:    prompt,
		CacheKey:  key,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}, nil
}

// ResponseText returns the response or an empty string
func (r *Result) ResponseText() string {
	if r.Response == nil {
		return ""
	}
	return *r.Response
}

// MarkCompleted moves the result to completed
func (r *Result) MarkCompleted(response string, now time.Time) {
	completedAt := clampAfter(now.UTC(), r.CreatedAt)
	r.Response = &response
	r.Error = ""
	r.Status = StatusCompleted
	r.CompletedAt = &completedAt
}

// MarkFailed moves the result to failed
func (r *Result) MarkFailed(errText string, now time.Time) {
	completedAt := clampAfter(now.UTC(), r.CreatedAt)
	r.Response = nil
	r.Error = errText
	r.Status = StatusFailed
	r.CompletedAt = &completedAt
}

// RecordAttempt notes a transient failure without changing status
func (r *Result) RecordAttempt(attempt int, errText string) {
	if attempt > r.Attempts {
		r.Attempts = attempt
	}
	if errText != "" {
		r.ErrorTrail = append(r.ErrorTrail, errText)
	}
}

// Clone returns a deep copy of r
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.Response != nil {
		resp := *r.Response
		c.Response = &resp
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		c.CompletedAt = &at
	}
	if r.ErrorTrail != nil {
		c.ErrorTrail = append([]string(nil), r.ErrorTrail...)
	}
	return &c
}

// clampAfter keeps completed_at from predating created_at under clock skew
func clampAfter(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}
