package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"nats3/internal/domain"
)

// InMem is a complete in-process catalog. It backs tests and running the
// daemon without a database; state does not survive a restart.
type InMem struct {
	mu        sync.Mutex
	storeJobs map[uuid.UUID]domain.StoreJob
	loadJobs  map[uuid.UUID]domain.LoadJob
	chunks    map[int64]Chunk
	seq       int64
	now       func() time.Time
}

var _ Catalog = (*InMem)(nil)

func NewInMem() *InMem {
	return &InMem{
		storeJobs: make(map[uuid.UUID]domain.StoreJob),
		loadJobs:  make(map[uuid.UUID]domain.LoadJob),
		chunks:    make(map[int64]Chunk),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *InMem) Ping(context.Context) error { return nil }
func (m *InMem) Close()                     {}

func (m *InMem) CreateStoreJob(_ context.Context, job domain.StoreJob) (domain.StoreJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.storeJobs {
		if existing.Name == job.Name {
			return existing, true, nil
		}
	}
	now := m.now()
	job.Created, job.Updated = now, now
	if job.Status == "" {
		job.Status = domain.StatusCreated
	}
	m.storeJobs[job.ID] = job
	return job, false, nil
}

func (m *InMem) GetStoreJob(_ context.Context, id uuid.UUID) (domain.StoreJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.storeJobs[id]
	if !ok {
		return domain.StoreJob{}, fmt.Errorf("store job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (m *InMem) ListStoreJobs(_ context.Context, statuses ...domain.Status) ([]domain.StoreJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StoreJob
	for _, job := range m.storeJobs {
		if matchStatus(job.Status, statuses) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (m *InMem) SetStoreJobStatus(_ context.Context, id uuid.UUID, status domain.Status, reason string) (domain.StoreJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.storeJobs[id]
	if !ok {
		return domain.StoreJob{}, fmt.Errorf("store job %s: %w", id, ErrNotFound)
	}
	if !domain.CanTransition(job.Status, status) {
		return domain.StoreJob{}, fmt.Errorf("store job %s: %s -> %s: %w", id, job.Status, status, ErrIllegalTransition)
	}
	job.Status = status
	job.Reason = reason
	job.Updated = m.now()
	m.storeJobs[id] = job
	return job, nil
}

func (m *InMem) DeleteStoreJob(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.storeJobs[id]; !ok {
		return fmt.Errorf("store job %s: %w", id, ErrNotFound)
	}
	delete(m.storeJobs, id)
	// Chunks survive job deletion with the owner reference cleared.
	for seq, c := range m.chunks {
		if c.StoreJobID != nil && *c.StoreJobID == id {
			c.StoreJobID = nil
			m.chunks[seq] = c
		}
	}
	return nil
}

func (m *InMem) CreateLoadJob(_ context.Context, job domain.LoadJob) (domain.LoadJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.loadJobs {
		if existing.Name == job.Name {
			return existing, true, nil
		}
	}
	now := m.now()
	job.Created, job.Updated = now, now
	if job.Status == "" {
		job.Status = domain.StatusCreated
	}
	m.loadJobs[job.ID] = job
	return job, false, nil
}

func (m *InMem) GetLoadJob(_ context.Context, id uuid.UUID) (domain.LoadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.loadJobs[id]
	if !ok {
		return domain.LoadJob{}, fmt.Errorf("load job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (m *InMem) ListLoadJobs(_ context.Context, statuses ...domain.Status) ([]domain.LoadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LoadJob
	for _, job := range m.loadJobs {
		if matchStatus(job.Status, statuses) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

func (m *InMem) SetLoadJobStatus(_ context.Context, id uuid.UUID, status domain.Status, reason string) (domain.LoadJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.loadJobs[id]
	if !ok {
		return domain.LoadJob{}, fmt.Errorf("load job %s: %w", id, ErrNotFound)
	}
	if !domain.CanTransition(job.Status, status) {
		return domain.LoadJob{}, fmt.Errorf("load job %s: %s -> %s: %w", id, job.Status, status, ErrIllegalTransition)
	}
	job.Status = status
	job.Reason = reason
	job.Updated = m.now()
	m.loadJobs[id] = job
	return job, nil
}

func (m *InMem) DeleteLoadJob(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loadJobs[id]; !ok {
		return fmt.Errorf("load job %s: %w", id, ErrNotFound)
	}
	delete(m.loadJobs, id)
	return nil
}

func (m *InMem) AdvanceLoadCursor(_ context.Context, id uuid.UUID, seq int64, markDeleted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.loadJobs[id]
	if !ok {
		return fmt.Errorf("load job %s: %w", id, ErrNotFound)
	}
	if seq > job.CursorSeq {
		job.CursorSeq = seq
		job.Updated = m.now()
		m.loadJobs[id] = job
	}
	if markDeleted {
		if c, ok := m.chunks[seq]; ok && c.DeletedAt == nil {
			now := m.now()
			c.DeletedAt = &now
			m.chunks[seq] = c
		}
	}
	return nil
}

func (m *InMem) NextSequence(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *InMem) InsertChunk(_ context.Context, chunk Chunk) (Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.chunks {
		if existing.DeletedAt == nil && existing.Bucket == chunk.Bucket && existing.Prefix == chunk.Prefix && existing.Key == chunk.Key {
			return Chunk{}, fmt.Errorf("chunk %s/%s: %w", chunk.Bucket, chunk.Key, ErrConflictKey)
		}
	}
	if chunk.SequenceNumber == 0 {
		m.seq++
		chunk.SequenceNumber = m.seq
	} else if chunk.SequenceNumber > m.seq {
		m.seq = chunk.SequenceNumber
	}
	chunk.CreatedAt = m.now()
	m.chunks[chunk.SequenceNumber] = chunk
	return chunk, nil
}

func (m *InMem) SelectChunks(_ context.Context, q ChunkQuery) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Chunk
	for _, c := range m.chunks {
		if q.Matches(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TimestampStart.Equal(out[j].TimestampStart) {
			return out[i].TimestampStart.Before(out[j].TimestampStart)
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *InMem) MarkChunkDeleted(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[seq]
	if !ok {
		return fmt.Errorf("chunk %d: %w", seq, ErrNotFound)
	}
	if c.DeletedAt == nil {
		now := m.now()
		c.DeletedAt = &now
		m.chunks[seq] = c
	}
	return nil
}

func (m *InMem) MarkJobChunksDeleted(_ context.Context, jobID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for seq, c := range m.chunks {
		if c.StoreJobID != nil && *c.StoreJobID == jobID && c.DeletedAt == nil {
			c.DeletedAt = &now
			m.chunks[seq] = c
			n++
		}
	}
	return n, nil
}

func (m *InMem) PurgeDeleted(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for seq, c := range m.chunks {
		if c.DeletedAt != nil && c.DeletedAt.Before(cutoff) {
			delete(m.chunks, seq)
			n++
		}
	}
	return n, nil
}

func (m *InMem) Locations(context.Context) ([]Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[Location]bool)
	var out []Location
	for _, c := range m.chunks {
		loc := Location{Bucket: c.Bucket, Prefix: c.Prefix}
		if !seen[loc] {
			seen[loc] = true
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return out[i].Prefix < out[j].Prefix
	})
	return out, nil
}

func (m *InMem) ChunkKeys(_ context.Context, bucket, prefix string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{})
	for _, c := range m.chunks {
		if c.Bucket == bucket && c.Prefix == prefix {
			out[c.Key] = struct{}{}
		}
	}
	return out, nil
}

func matchStatus(s domain.Status, statuses []domain.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
