package queue

import (
	"errors"
	"time"

	"github.com/uhyunpark/orderflow/pkg/order"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is the durable, retryable unit of work wrapping one Order.
type Job struct {
	ID          string      `json:"id"`
	Order       order.Order `json:"order"`
	Attempts    int         `json:"attempts"` // attempts started so far
	MaxAttempts int         `json:"maxAttempts"`
	State       State       `json:"state"`
	NextRunAt   time.Time   `json:"nextRunAt"`
	LastError   string      `json:"lastError,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// JobStore persists job records so that an accepted job survives a crash.
type JobStore interface {
	SaveJob(job Job) error
	DeleteJob(id string) error
	LoadJobs() ([]Job, error)
}

// Outcome classifies how a single attempt ended.
type Outcome int

const (
	Completed Outcome = iota
	RetryableFailure
	TerminalFailure
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case RetryableFailure:
		return "retryable_failure"
	case TerminalFailure:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// Result is what the queue decided after an attempt. RetryIn is set only
// for RetryableFailure.
type Result struct {
	Outcome Outcome
	Err     error
	RetryIn time.Duration
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying: the job fails terminally on
// the current attempt regardless of how many attempts remain.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
