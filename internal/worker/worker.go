// Package worker implements the per-job runtimes: the store worker's
// batching state machine and the load worker's chunk replay protocol.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nats3/internal/domain"
)

// Msg is one delivered bus message with its ack handle.
type Msg interface {
	Record() domain.Record
	Ack() error
	// InProgress resets the redelivery timer without acking.
	InProgress() error
}

// MessageSource is a bound durable consumer delivering messages in
// bounded windows.
type MessageSource interface {
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Msg, error)
}

// Bus is the slice of the bus adapter the workers need.
type Bus interface {
	BindConsumer(ctx context.Context, stream, name, subject string, maxAckPending int) (MessageSource, error)
	Publish(ctx context.Context, subject string, rec domain.Record) error
}

// ObjectStore is the slice of the object store adapter the workers need.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) (string, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}

type ExitReason int

const (
	// ReasonCompleted: the job's work is done (load job window exhausted).
	ReasonCompleted ExitReason = iota
	// ReasonFailed: the worker gave up; Err carries the cause.
	ReasonFailed
	// ReasonDrained: the worker honored a drain-and-exit request.
	ReasonDrained
	// ReasonCancelled: the worker was cancelled (delete or shutdown).
	ReasonCancelled
)

func (r ExitReason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonFailed:
		return "failed"
	case ReasonDrained:
		return "drained"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Exit is the worker's final report, consumed by the supervisor's
// completer.
type Exit struct {
	JobID  uuid.UUID
	Kind   domain.JobKind
	Reason ExitReason
	Err    error
}

// integrityError marks faults that must fail the job without retry:
// corrupted chunks, codec mismatches, missing referenced objects.
type integrityError struct {
	msg string
}

func (e *integrityError) Error() string { return e.msg }

func integrityErrorf(format string, args ...any) error {
	return &integrityError{msg: fmt.Sprintf(format, args...)}
}
