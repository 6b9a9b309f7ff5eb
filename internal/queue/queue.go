// Package queue distributes deploy jobs to workers with at-least-once
// delivery: a claimed job becomes visible again when its claim expires
// without an ack.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/splax/localvercel/pipeline/internal/domain"
)

const (
	// DeadLetterMax is how many error nacks park a job in the dead-letter list.
	DeadLetterMax     = 5
	defaultVisibility = 30 * time.Minute
)

// Reason classifies a nack.
type Reason string

const (
	// ReasonError counts toward the dead-letter threshold.
	ReasonError Reason = "error"
	// ReasonConflict is a lock conflict; the job is retried later without
	// counting toward the dead-letter threshold.
	ReasonConflict Reason = "conflict"
	// ReasonShutdown returns a job interrupted by worker shutdown.
	ReasonShutdown Reason = "shutdown"
)

// Claim is a job leased to one consumer until VisibleAt.
type Claim struct {
	Job       domain.DeployJob
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}

// Queue is the job queue contract.
type Queue interface {
	Enqueue(ctx context.Context, job domain.DeployJob) error
	// Claim leases the oldest ready job. It returns nil, nil when the queue
	// is empty.
	Claim(ctx context.Context, consumer string, visibility time.Duration) (*Claim, error)
	Ack(ctx context.Context, c Claim) error
	// Nack returns the job to the queue. A positive retryAfter delays its
	// redelivery.
	Nack(ctx context.Context, c Claim, reason Reason, retryAfter time.Duration) error
	// RequeueExpired returns up to max expired claims to the queue and
	// releases delayed jobs that are due.
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
	DeadLetters(ctx context.Context, limit int) ([]domain.DeployJob, error)
	Depth(ctx context.Context) (int64, error)
}

// RetryableError marks a handler error as transient.
type RetryableError struct{ Err error }

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the pool nacks instead of acking.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

func encodeJob(job domain.DeployJob) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(data), nil
}

func decodeJob(raw string) (domain.DeployJob, error) {
	var job domain.DeployJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.DeployJob{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}
