package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nats3/internal/catalog"
	"nats3/internal/chunk"
	"nats3/internal/domain"
	"nats3/internal/metrics"
	"nats3/internal/objstore"
)

func loadJob(cat catalog.Catalog, mutate func(*domain.LoadJob)) domain.LoadJob {
	job := domain.LoadJob{
		ID:           uuid.New(),
		Name:         "replay-orders",
		Status:       domain.StatusRunning,
		Bucket:       "archive",
		Stream:       "S",
		Subject:      "x",
		WriteSubject: "y",
	}
	if mutate != nil {
		mutate(&job)
	}
	created, _, err := cat.CreateLoadJob(context.Background(), job)
	if err != nil {
		panic(err)
	}
	return created
}

// seedChunk encodes the bodies into a real chunk object, stores it, and
// registers the catalog row the way a store worker would.
func seedChunk(t *testing.T, cat catalog.Catalog, store *fakeStore, start time.Time, bodies ...string) catalog.Chunk {
	t.Helper()
	ctx := context.Background()

	var records []domain.Record
	for i, body := range bodies {
		records = append(records, domain.Record{
			Subject:   "x",
			Timestamp: start.Add(time.Duration(i) * time.Nanosecond),
			Body:      []byte(body),
		})
	}
	data, hash, _, err := chunk.Encode(records, domain.CodecBinary)
	if err != nil {
		t.Fatal(err)
	}
	seq, err := cat.NextSequence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	key := objstore.ObjectKey("", "S", "x", start, seq)
	if _, err := store.Put(ctx, "archive", key, data); err != nil {
		t.Fatal(err)
	}
	startTs, endTs, _ := chunk.Bounds(records)
	inserted, err := cat.InsertChunk(ctx, catalog.Chunk{
		SequenceNumber: seq,
		Bucket:         "archive",
		Key:            key,
		Stream:         "S",
		Subject:        "x",
		TimestampStart: startTs,
		TimestampEnd:   endTs,
		MessageCount:   int64(len(records)),
		SizeBytes:      int64(len(data)),
		Codec:          domain.CodecBinary,
		Hash:           hash[:],
		Version:        chunk.Version,
	})
	if err != nil {
		t.Fatal(err)
	}
	return inserted
}

type loadHarness struct {
	bus    *fakeBus
	store  *fakeStore
	cat    catalog.Catalog
	exitCh chan Exit
	cancel context.CancelFunc
	drain  chan struct{}
}

func startLoadWorker(t *testing.T, job domain.LoadJob, cat catalog.Catalog, store *fakeStore) *loadHarness {
	t.Helper()
	h := &loadHarness{
		bus:    &fakeBus{},
		store:  store,
		cat:    cat,
		exitCh: make(chan Exit, 1),
		drain:  make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	w := NewLoadWorker(job, h.bus, store, cat, metrics.New(), zap.NewNop())
	go func() { h.exitCh <- w.Run(ctx, h.drain) }()
	return h
}

func (h *loadHarness) awaitExit(t *testing.T, want ExitReason) Exit {
	t.Helper()
	select {
	case exit := <-h.exitCh:
		if exit.Reason != want {
			t.Fatalf("exit reason %s (err=%v), want %s", exit.Reason, exit.Err, want)
		}
		return exit
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not exit")
		return Exit{}
	}
}

func TestLoadWorkerReplaysInOrder(t *testing.T) {
	cat := catalog.NewInMem()
	store := newFakeStore()
	base := time.Unix(1, 0).UTC()
	seedChunk(t, cat, store, base, "a", "b", "c")
	last := seedChunk(t, cat, store, base.Add(time.Minute), "d", "e")

	job := loadJob(cat, nil)
	h := startLoadWorker(t, job, cat, store)
	h.awaitExit(t, ReasonCompleted)

	got := h.bus.publishedBodies()
	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("published %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published %v, want %v", got, want)
		}
	}
	for _, p := range h.bus.sent {
		if p.subject != "y" {
			t.Fatalf("published to %q", p.subject)
		}
	}

	after, err := cat.GetLoadJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.CursorSeq != last.SequenceNumber {
		t.Fatalf("cursor %d, want %d", after.CursorSeq, last.SequenceNumber)
	}
}

func TestLoadWorkerResumesFromCursor(t *testing.T) {
	cat := catalog.NewInMem()
	store := newFakeStore()
	base := time.Unix(1, 0).UTC()
	first := seedChunk(t, cat, store, base, "old")
	seedChunk(t, cat, store, base.Add(time.Minute), "new")

	job := loadJob(cat, func(j *domain.LoadJob) { j.CursorSeq = 0 })
	if err := cat.AdvanceLoadCursor(context.Background(), job.ID, first.SequenceNumber, false); err != nil {
		t.Fatal(err)
	}
	job.CursorSeq = first.SequenceNumber

	h := startLoadWorker(t, job, cat, store)
	h.awaitExit(t, ReasonCompleted)

	got := h.bus.publishedBodies()
	if len(got) != 1 || got[0] != "new" {
		t.Fatalf("expected only the chunk past the cursor, got %v", got)
	}
}

func TestLoadWorkerHashMismatchFailsWithoutAdvancing(t *testing.T) {
	cat := catalog.NewInMem()
	store := newFakeStore()
	base := time.Unix(1, 0).UTC()
	seedChunk(t, cat, store, base, "a", "b")
	store.corruptAll()

	job := loadJob(cat, nil)
	h := startLoadWorker(t, job, cat, store)
	exit := h.awaitExit(t, ReasonFailed)

	if exit.Err == nil || !strings.Contains(exit.Err.Error(), "HashMismatch") {
		t.Fatalf("reason should mention HashMismatch: %v", exit.Err)
	}
	after, _ := cat.GetLoadJob(context.Background(), job.ID)
	if after.CursorSeq != 0 {
		t.Fatalf("cursor advanced past bad chunk: %d", after.CursorSeq)
	}
	if len(h.bus.publishedBodies()) != 0 {
		t.Fatal("records published from corrupt chunk")
	}
}

func TestLoadWorkerMissingChunkSkipsWhenDeleting(t *testing.T) {
	cat := catalog.NewInMem()
	store := newFakeStore()
	base := time.Unix(1, 0).UTC()
	gone := seedChunk(t, cat, store, base, "gone")
	if err := store.Delete(context.Background(), "archive", gone.Key); err != nil {
		t.Fatal(err)
	}
	seedChunk(t, cat, store, base.Add(time.Minute), "kept")

	job := loadJob(cat, func(j *domain.LoadJob) { j.DeleteChunks = true })
	h := startLoadWorker(t, job, cat, store)
	h.awaitExit(t, ReasonCompleted)

	got := h.bus.publishedBodies()
	if len(got) != 1 || got[0] != "kept" {
		t.Fatalf("published %v", got)
	}
}

func TestLoadWorkerMissingChunkFailsWithoutDeleting(t *testing.T) {
	cat := catalog.NewInMem()
	store := newFakeStore()
	base := time.Unix(1, 0).UTC()
	gone := seedChunk(t, cat, store, base, "gone")
	if err := store.Delete(context.Background(), "archive", gone.Key); err != nil {
		t.Fatal(err)
	}

	job := loadJob(cat, nil)
	h := startLoadWorker(t, job, cat, store)
	exit := h.awaitExit(t, ReasonFailed)
	if exit.Err == nil || !strings.Contains(exit.Err.Error(), "MissingChunk") {
		t.Fatalf("reason should mention MissingChunk: %v", exit.Err)
	}
}

func TestLoadWorkerDeleteChunksRetiresReplayed(t *testing.T) {
	cat := catalog.NewInMem()
	store := newFakeStore()
	base := time.Unix(1, 0).UTC()
	c := seedChunk(t, cat, store, base, "a")

	job := loadJob(cat, func(j *domain.LoadJob) { j.DeleteChunks = true })
	h := startLoadWorker(t, job, cat, store)
	h.awaitExit(t, ReasonCompleted)

	if store.count() != 0 {
		t.Fatal("object not deleted")
	}
	live, err := cat.SelectChunks(context.Background(), catalog.ChunkQuery{Stream: "S", Subject: "x", Bucket: "archive"})
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range live {
		if got.SequenceNumber == c.SequenceNumber {
			t.Fatal("replayed chunk still live in catalog")
		}
	}
}

func TestLoadWorkerTailMode(t *testing.T) {
	cat := catalog.NewInMem()
	store := newFakeStore()
	base := time.Unix(1, 0).UTC()
	seedChunk(t, cat, store, base, "first")

	job := loadJob(cat, func(j *domain.LoadJob) {
		j.PollInterval = &domain.Duration{Duration: 5 * time.Millisecond}
	})
	h := startLoadWorker(t, job, cat, store)

	waitFor(t, "first chunk replayed", func() bool { return len(h.bus.publishedBodies()) == 1 })

	// Still running: tail mode waits for new chunks instead of exiting.
	select {
	case exit := <-h.exitCh:
		t.Fatalf("tail job exited: %+v", exit)
	case <-time.After(20 * time.Millisecond):
	}

	seedChunk(t, cat, store, base.Add(time.Hour), "second")
	waitFor(t, "tail pickup", func() bool { return len(h.bus.publishedBodies()) == 2 })

	h.cancel()
	h.awaitExit(t, ReasonCancelled)
}

func TestLoadWorkerDrainStopsAtChunkBoundary(t *testing.T) {
	cat := catalog.NewInMem()
	store := newFakeStore()
	base := time.Unix(1, 0).UTC()
	seedChunk(t, cat, store, base, "a")

	job := loadJob(cat, func(j *domain.LoadJob) {
		j.PollInterval = &domain.Duration{Duration: time.Hour}
	})
	h := startLoadWorker(t, job, cat, store)
	waitFor(t, "chunk replayed", func() bool { return len(h.bus.publishedBodies()) == 1 })

	close(h.drain)
	h.awaitExit(t, ReasonDrained)
}
