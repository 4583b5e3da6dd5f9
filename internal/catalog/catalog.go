// Package catalog defines the durable metadata contract: job
// definitions, chunk rows, and load cursors behind transactional
// operations.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"nats3/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflictKey signals a duplicate (bucket, prefix, key) chunk.
	ErrConflictKey = errors.New("duplicate chunk key")
	// ErrIllegalTransition signals a job status change the lifecycle state
	// machine forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Chunk is one catalog row describing a stored object.
type Chunk struct {
	SequenceNumber int64           `json:"sequence_number"`
	StoreJobID     *uuid.UUID      `json:"store_job_id,omitempty"`
	Bucket         string          `json:"bucket"`
	Prefix         string          `json:"prefix,omitempty"`
	Key            string          `json:"key"`
	Stream         string          `json:"stream"`
	Consumer       string          `json:"consumer,omitempty"`
	Subject        string          `json:"subject"`
	TimestampStart time.Time       `json:"timestamp_start"`
	TimestampEnd   time.Time       `json:"timestamp_end"`
	MessageCount   int64           `json:"message_count"`
	SizeBytes      int64           `json:"size_bytes"`
	Codec          domain.Codec    `json:"codec"`
	Hash           []byte          `json:"hash"`
	Version        int16           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// ChunkQuery selects chunks for a load plan. A chunk matches when it
// intersects the [From, To] window, carries a sequence past AfterSeq, and
// matches the location selectors. Results are ordered by
// (timestamp_start, sequence_number).
type ChunkQuery struct {
	Stream         string
	Subject        string
	Bucket         string
	Prefix         string
	From           *time.Time
	To             *time.Time
	AfterSeq       int64
	Limit          int
	IncludeDeleted bool
}

// Matches reports whether the chunk satisfies the query's filters.
func (q ChunkQuery) Matches(c Chunk) bool {
	if c.Stream != q.Stream || c.Subject != q.Subject || c.Bucket != q.Bucket || c.Prefix != q.Prefix {
		return false
	}
	if c.SequenceNumber <= q.AfterSeq {
		return false
	}
	if !q.IncludeDeleted && c.DeletedAt != nil {
		return false
	}
	if q.From != nil && c.TimestampEnd.Before(*q.From) {
		return false
	}
	if q.To != nil && c.TimestampStart.After(*q.To) {
		return false
	}
	return true
}

// Location is a distinct (bucket, prefix) pair the catalog references;
// the reconciler lists objects per location.
type Location struct {
	Bucket string
	Prefix string
}

type JobStore interface {
	// CreateStoreJob inserts the job, or returns the existing row when a
	// job with the same name already exists (idempotent create).
	CreateStoreJob(ctx context.Context, job domain.StoreJob) (domain.StoreJob, bool, error)
	GetStoreJob(ctx context.Context, id uuid.UUID) (domain.StoreJob, error)
	ListStoreJobs(ctx context.Context, statuses ...domain.Status) ([]domain.StoreJob, error)
	SetStoreJobStatus(ctx context.Context, id uuid.UUID, status domain.Status, reason string) (domain.StoreJob, error)
	DeleteStoreJob(ctx context.Context, id uuid.UUID) error

	CreateLoadJob(ctx context.Context, job domain.LoadJob) (domain.LoadJob, bool, error)
	GetLoadJob(ctx context.Context, id uuid.UUID) (domain.LoadJob, error)
	ListLoadJobs(ctx context.Context, statuses ...domain.Status) ([]domain.LoadJob, error)
	SetLoadJobStatus(ctx context.Context, id uuid.UUID, status domain.Status, reason string) (domain.LoadJob, error)
	DeleteLoadJob(ctx context.Context, id uuid.UUID) error

	// AdvanceLoadCursor moves the job's chunk cursor past seq and, when
	// markDeleted is set, soft-deletes that chunk in the same transaction.
	AdvanceLoadCursor(ctx context.Context, id uuid.UUID, seq int64, markDeleted bool) error
}

type ChunkStore interface {
	// NextSequence issues the next chunk sequence number. Sequences are
	// strictly monotonic per catalog, not per job, and are embedded in
	// object keys before the chunk row exists.
	NextSequence(ctx context.Context) (int64, error)
	InsertChunk(ctx context.Context, chunk Chunk) (Chunk, error)
	SelectChunks(ctx context.Context, q ChunkQuery) ([]Chunk, error)
	MarkChunkDeleted(ctx context.Context, seq int64) error
	// MarkJobChunksDeleted soft-deletes every live chunk owned by the job.
	MarkJobChunksDeleted(ctx context.Context, jobID uuid.UUID) (int64, error)
	// PurgeDeleted hard-deletes rows soft-deleted before the cutoff.
	PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error)
	Locations(ctx context.Context) ([]Location, error)
	// ChunkKeys returns every object key (live or soft-deleted) the
	// catalog references under a location.
	ChunkKeys(ctx context.Context, bucket, prefix string) (map[string]struct{}, error)
}

type Catalog interface {
	JobStore
	ChunkStore
	Ping(ctx context.Context) error
	Close()
}
