package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"nats3/internal/catalog"
	"nats3/internal/domain"
)

// startPostgres spins up a disposable postgres container and skips the
// test when no container runtime is available.
func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "nats3",
			"POSTGRES_PASSWORD": "nats3",
			"POSTGRES_DB":       "nats3",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "5432")
	url := fmt.Sprintf("postgres://nats3:nats3@%s:%s/nats3?sslmode=disable", host, port.Port())

	store, err := New(ctx, url, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestPostgresJobLifecycle(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	job := domain.StoreJob{
		ID:       uuid.New(),
		Name:     "archive-orders",
		Status:   domain.StatusCreated,
		Stream:   "ORDERS",
		Subject:  "orders.created",
		Bucket:   "archive",
		Batch:    domain.Batch{}.WithDefaults(),
		Encoding: domain.Encoding{}.WithDefaults(),
	}

	created, existed, err := store.CreateStoreJob(ctx, job)
	if err != nil || existed {
		t.Fatalf("create: existed=%v err=%v", existed, err)
	}
	if created.Batch.MaxBytes != domain.DefaultMaxBytes || created.Encoding.Codec != domain.CodecBinary {
		t.Fatalf("defaults lost: %+v", created)
	}

	again, existed, err := store.CreateStoreJob(ctx, job)
	if err != nil || !existed || again.ID != created.ID {
		t.Fatalf("idempotent create: existed=%v id=%s err=%v", existed, again.ID, err)
	}

	if _, err := store.SetStoreJobStatus(ctx, created.ID, domain.StatusRunning, ""); err != nil {
		t.Fatalf("Created -> Running: %v", err)
	}
	if _, err := store.SetStoreJobStatus(ctx, created.ID, domain.StatusSuccess, ""); err != nil {
		t.Fatalf("Running -> Success: %v", err)
	}
	if _, err := store.SetStoreJobStatus(ctx, created.ID, domain.StatusRunning, ""); !errors.Is(err, catalog.ErrIllegalTransition) {
		t.Fatalf("Success -> Running should be illegal, got %v", err)
	}

	running, err := store.ListStoreJobs(ctx, domain.StatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 0 {
		t.Fatalf("expected no running jobs, got %d", len(running))
	}

	if err := store.DeleteStoreJob(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetStoreJob(ctx, created.ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresChunksAndCursor(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	insert := func(start time.Time) catalog.Chunk {
		t.Helper()
		seq, err := store.NextSequence(ctx)
		if err != nil {
			t.Fatal(err)
		}
		chunk, err := store.InsertChunk(ctx, catalog.Chunk{
			SequenceNumber: seq,
			Bucket:         "archive",
			Key:            fmt.Sprintf("ORDERS/x/2026/02/01/%d-%d.chunk", start.UnixNano(), seq),
			Stream:         "ORDERS",
			Subject:        "x",
			TimestampStart: start,
			TimestampEnd:   start.Add(time.Second),
			MessageCount:   2,
			SizeBytes:      64,
			Codec:          domain.CodecBinary,
			Hash:           []byte{0xab},
			Version:        1,
		})
		if err != nil {
			t.Fatal(err)
		}
		return chunk
	}

	c1 := insert(base)
	c2 := insert(base.Add(time.Minute))
	c3 := insert(base.Add(2 * time.Minute))

	// Duplicate location must be rejected.
	_, err := store.InsertChunk(ctx, catalog.Chunk{
		SequenceNumber: c1.SequenceNumber + 100,
		Bucket:         "archive",
		Key:            c1.Key,
		Stream:         "ORDERS",
		Subject:        "x",
		TimestampStart: base,
		TimestampEnd:   base.Add(time.Second),
		MessageCount:   1,
		SizeBytes:      1,
		Codec:          domain.CodecBinary,
		Hash:           []byte{0xcd},
		Version:        1,
	})
	if !errors.Is(err, catalog.ErrConflictKey) {
		t.Fatalf("expected ErrConflictKey, got %v", err)
	}

	q := catalog.ChunkQuery{Stream: "ORDERS", Subject: "x", Bucket: "archive"}
	chunks, err := store.SelectChunks(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 || chunks[0].SequenceNumber != c1.SequenceNumber || chunks[2].SequenceNumber != c3.SequenceNumber {
		t.Fatalf("unexpected plan: %+v", chunks)
	}

	q.AfterSeq = c1.SequenceNumber
	chunks, err = store.SelectChunks(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 || chunks[0].SequenceNumber != c2.SequenceNumber {
		t.Fatalf("afterSeq plan wrong: %+v", chunks)
	}

	job, _, err := store.CreateLoadJob(ctx, domain.LoadJob{
		ID: uuid.New(), Name: "replay", Status: domain.StatusCreated,
		Bucket: "archive", Stream: "ORDERS", Subject: "x", WriteSubject: "y",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AdvanceLoadCursor(ctx, job.ID, c2.SequenceNumber, true); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetLoadJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CursorSeq != c2.SequenceNumber {
		t.Fatalf("cursor %d", got.CursorSeq)
	}

	q.AfterSeq = 0
	chunks, err = store.SelectChunks(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("soft delete via cursor advance not applied: %d chunks", len(chunks))
	}

	n, err := store.PurgeDeleted(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d", n)
	}
}
