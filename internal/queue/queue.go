package queue

import (
	"context"
	"errors"
	"time"

	"github.com/farhan-ahmed1/llmhub/internal/task"
)

// Common errors
var (
	ErrClosed      = errors.New("queue closed")
	ErrNoReceipt   = errors.New("descriptor has no delivery receipt")
	ErrNilDescript = errors.New("descriptor cannot be nil")
)

// Queue is an at-least-once task queue for generation descriptors.
//
// A dequeued descriptor stays invisible to other consumers until it is
// acked or nacked. If neither happens within the visibility timeout it is
// delivered again.
type Queue interface {
	// Enqueue adds a descriptor for immediate delivery
	Enqueue(ctx context.Context, d *task.Descriptor) error

	// EnqueueAfter adds a descriptor that becomes visible after delay
	EnqueueAfter(ctx context.Context, d *task.Descriptor, delay time.Duration) error

	// Dequeue blocks until a descriptor is available or ctx is done
	Dequeue(ctx context.Context) (*task.Descriptor, error)

	// Ack acknowledges that a delivery has been handled
	Ack(ctx context.Context, d *task.Descriptor) error

	// Nack returns a delivery for immediate redelivery
	Nack(ctx context.Context, d *task.Descriptor) error

	// DeadLetter parks a descriptor for operator inspection
	DeadLetter(ctx context.Context, d *task.Descriptor, reason string) error

	// Stats reports queue depths
	Stats(ctx context.Context) (Stats, error)

	// Health checks if the queue is healthy and ready to serve requests
	Health(ctx context.Context) error

	// Close closes the queue and releases resources
	Close() error
}

// DeadLetterLister is implemented by queues whose dead letters can be read back
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]DeadLetterEntry, error)
}

// Stats holds queue depths and, where the backend keeps them, lifetime
// counters. The counters stay zero on queues that do not track them.
type Stats struct {
	Ready       int64 `json:"ready"`
	Delayed     int64 `json:"delayed"`
	InFlight    int64 `json:"in_flight"`
	DeadLetters int64 `json:"dead_letters"`

	// Enqueued counts every descriptor ever published, retries included
	Enqueued int64 `json:"enqueued,omitempty"`
	// Redelivered counts deliveries reclaimed after their lease expired
	Redelivered int64 `json:"redelivered,omitempty"`
	// DeadLettered counts every descriptor ever moved to the dead-letter
	// queue; it differs from DeadLetters once entries are removed
	DeadLettered int64 `json:"dead_lettered,omitempty"`
}

// Pending is the number of descriptors waiting for a worker
func (s Stats) Pending() int64 {
	return s.Ready + s.Delayed
}

// DeadLetterEntry is what DeadLetter stores
type DeadLetterEntry struct {
	Descriptor *task.Descriptor `json:"descriptor"`
	Reason     string           `json:"reason"`
	MovedAt    time.Time        `json:"moved_at"`
}
