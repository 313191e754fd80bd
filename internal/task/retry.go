package task

import (
	"errors"
	"time"

	"github.com/farhan-ahmed1/llmhub/internal/generation"
)

// OutcomeKind is what the worker does after an attempt
type OutcomeKind int

const (
	OutcomeSucceed OutcomeKind = iota
	OutcomeRetryAfter
	OutcomeFail
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceed:
		return "succeed"
	case OutcomeRetryAfter:
		return "retry"
	case OutcomeFail:
		return "fail"
	}
	return "unknown"
}

// Outcome is the decision for one attempt
type Outcome struct {
	Kind     OutcomeKind
	Response string
	Delay    time.Duration
	Reason   string

	// Exhausted is set when a transient failure ran out of retries
	Exhausted bool
	// Unexpected is set when the failure was not a classified backend error
	Unexpected bool
}

// Succeed completes the result with response
func Succeed(response string) Outcome {
	return Outcome{Kind: OutcomeSucceed, Response: response}
}

// RetryAfter schedules another attempt after delay
func RetryAfter(delay time.Duration, reason string) Outcome {
	return Outcome{Kind: OutcomeRetryAfter, Delay: delay, Reason: reason}
}

// Fail terminates the result with reason
func Fail(reason string) Outcome {
	return Outcome{Kind: OutcomeFail, Reason: reason}
}

// RetryPolicy bounds retries of transient backend failures
type RetryPolicy struct {
	// MaxRetries is the largest number of attempts a task gets when every
	// failure is transient
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns 3 attempts with 1s, 2s backoff
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Minute,
	}
}

// Delay returns the backoff before the attempt that follows attempt.
// Formula: min(BaseDelay * 2^(attempt-1), MaxDelay)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}

	delay := p.BaseDelay * (1 << uint(shift))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Decide maps the result of attempt number attempt (1-based) to an outcome
func (p RetryPolicy) Decide(attempt int, response string, err error) Outcome {
	if err == nil {
		return Succeed(response)
	}

	switch {
	case errors.Is(err, generation.ErrBackendUnavailable):
		if attempt < p.MaxRetries {
			return RetryAfter(p.Delay(attempt), err.Error())
		}
		out := Fail(err.Error())
		out.Exhausted = true
		return out
	case errors.Is(err, generation.ErrBackend):
		return Fail(err.Error())
	default:
		out := Fail(err.Error())
		out.Unexpected = true
		return out
	}
}
