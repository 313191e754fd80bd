package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

// Descriptor is the unit of work carried by the queue: everything a worker
// needs to run one generation attempt for a pending result
type Descriptor struct {
	ID         string              `json:"id"`
	ResultID   uuid.UUID           `json:"result_id"`
	Model      string              `json:"model"`
	Prompt     string              `json:"prompt"`
	CacheKey   generation.CacheKey `json:"cache_key"`
	Attempt    int                 `json:"attempt"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
	NotBefore  time.Time           `json:"not_before,omitempty"`

	// Receipt identifies this particular delivery to the queue that handed
	// it out. It is never serialized.
	Receipt string `json:"-"`
}

// NewDescriptor creates the first descriptor for a pending result
func NewDescriptor(r *generation.Result) *Descriptor {
	return &Descriptor{
		ID:         uuid.New().String(),
		ResultID:   r.ID,
		Model:      r.Model,
		Prompt:     r.Prompt,
		CacheKey:   r.CacheKey,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Next returns the descriptor for the redelivery that follows a failed
// attempt. attempt is the number of attempts made so far.
func (d *Descriptor) Next(attempt int, delay time.Duration, now time.Time) *Descriptor {
	next := *d
	next.ID = uuid.New().String()
	next.Attempt = attempt
	next.EnqueuedAt = now.UTC()
	next.NotBefore = now.UTC().Add(delay)
	next.Receipt = ""
	return &next
}

// Ready reports whether the descriptor may be processed at now
func (d *Descriptor) Ready(now time.Time) bool {
	return d.NotBefore.IsZero() || !now.Before(d.NotBefore)
}
