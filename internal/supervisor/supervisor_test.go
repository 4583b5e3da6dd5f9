package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nats3/internal/catalog"
	"nats3/internal/chunk"
	"nats3/internal/domain"
	"nats3/internal/metrics"
	"nats3/internal/objstore"
	"nats3/internal/worker"
)

type stubSource struct{}

func (stubSource) Fetch(ctx context.Context, max int, wait time.Duration) ([]worker.Msg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	time.Sleep(time.Millisecond)
	return nil, nil
}

type stubBus struct {
	mu               sync.Mutex
	published        []domain.Record
	deletedConsumers []string
}

func (b *stubBus) BindConsumer(context.Context, string, string, string, int) (worker.MessageSource, error) {
	return stubSource{}, nil
}

func (b *stubBus) Publish(_ context.Context, subject string, rec domain.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, rec)
	return nil
}

func (b *stubBus) DeleteConsumer(_ context.Context, stream, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletedConsumers = append(b.deletedConsumers, stream+"/"+name)
	return nil
}

func (b *stubBus) consumerDeletions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.deletedConsumers...)
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (s *memStore) Put(_ context.Context, bucket, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return "etag", nil
}

func (s *memStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, objstore.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *memStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, bucket+"/"+key)
	return nil
}

type harness struct {
	sup   *Supervisor
	cat   *catalog.InMem
	bus   *stubBus
	store *memStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cat:   catalog.NewInMem(),
		bus:   &stubBus{},
		store: newMemStore(),
	}
	h.sup = New(h.cat, h.bus, h.store, metrics.New(), zap.NewNop(), Config{
		HealthInterval: 20 * time.Millisecond,
		PauseGrace:     5 * time.Second,
		DeleteGrace:    5 * time.Second,
	})
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.Shutdown(ctx)
	})
	return h
}

func storeJobSpec(name string) domain.StoreJob {
	return domain.StoreJob{
		Name:     name,
		Stream:   "S",
		Subject:  "x",
		Bucket:   "archive",
		Batch:    domain.Batch{}.WithDefaults(),
		Encoding: domain.Encoding{}.WithDefaults(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateStoreJobAutostartSingleHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.sup.CreateStoreJob(ctx, storeJobSpec("archive-orders"), true)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusRunning {
		t.Fatalf("status %s", job.Status)
	}
	if !h.sup.hasHandle(job.ID) {
		t.Fatal("no worker handle after autostart")
	}

	if _, err := h.sup.StartStoreJob(ctx, job.ID); !errors.Is(err, ErrJobRunning) {
		t.Fatalf("second start should refuse: %v", err)
	}

	// Idempotent create: same name returns the stored row, no new worker.
	again, err := h.sup.CreateStoreJob(ctx, storeJobSpec("archive-orders"), true)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != job.ID {
		t.Fatalf("create not idempotent: %s vs %s", again.ID, job.ID)
	}
}

func TestCreateWithoutAutostartStaysCreated(t *testing.T) {
	h := newHarness(t)
	job, err := h.sup.CreateStoreJob(context.Background(), storeJobSpec("dormant"), false)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusCreated {
		t.Fatalf("status %s", job.Status)
	}
	if h.sup.hasHandle(job.ID) {
		t.Fatal("dormant job has a worker")
	}
}

func TestPauseResumeIdleStoreJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.sup.CreateStoreJob(ctx, storeJobSpec("pausable"), true)
	if err != nil {
		t.Fatal(err)
	}

	paused, err := h.sup.PauseStoreJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != domain.StatusPaused {
		t.Fatalf("status %s", paused.Status)
	}
	waitFor(t, "handle removed after drain", func() bool { return !h.sup.hasHandle(job.ID) })

	resumed, err := h.sup.ResumeStoreJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != domain.StatusRunning {
		t.Fatalf("status %s", resumed.Status)
	}
	waitFor(t, "handle after resume", func() bool { return h.sup.hasHandle(job.ID) })

	// Resume again: live handle, no error, row unchanged.
	if _, err := h.sup.ResumeStoreJob(ctx, job.ID); err != nil {
		t.Fatalf("idempotent resume: %v", err)
	}

	// An idle pause/resume cycle writes no chunks.
	chunks, err := h.cat.SelectChunks(ctx, catalog.ChunkQuery{Stream: "S", Subject: "x", Bucket: "archive"})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Fatalf("idle job produced %d chunks", len(chunks))
	}
}

func TestDeleteRunningStoreJobRemovesDerivedConsumer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, err := h.sup.CreateStoreJob(ctx, storeJobSpec("deletable"), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.sup.DeleteStoreJob(ctx, job.ID, false); err != nil {
		t.Fatal(err)
	}
	if h.sup.hasHandle(job.ID) {
		t.Fatal("handle survived delete")
	}
	if _, err := h.cat.GetStoreJob(ctx, job.ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("job row survived delete: %v", err)
	}
	deletions := h.bus.consumerDeletions()
	if len(deletions) != 1 || !strings.Contains(deletions[0], "nats3-store-") {
		t.Fatalf("derived consumer not deleted: %v", deletions)
	}
}

func TestDeleteKeepsUserSuppliedConsumer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := storeJobSpec("external-consumer")
	spec.Consumer = "shared"
	job, err := h.sup.CreateStoreJob(ctx, spec, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.sup.DeleteStoreJob(ctx, job.ID, false); err != nil {
		t.Fatal(err)
	}
	if len(h.bus.consumerDeletions()) != 0 {
		t.Fatalf("user-supplied consumer deleted: %v", h.bus.consumerDeletions())
	}
}

func seedReplayableChunk(t *testing.T, cat catalog.Catalog, store *memStore, body string) catalog.Chunk {
	t.Helper()
	ctx := context.Background()
	records := []domain.Record{{Subject: "x", Timestamp: time.Unix(1, 0).UTC(), Body: []byte(body)}}
	data, hash, _, err := chunk.Encode(records, domain.CodecBinary)
	if err != nil {
		t.Fatal(err)
	}
	seq, err := cat.NextSequence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	key := objstore.ObjectKey("", "S", "x", records[0].Timestamp, seq)
	if _, err := store.Put(ctx, "archive", key, data); err != nil {
		t.Fatal(err)
	}
	inserted, err := cat.InsertChunk(ctx, catalog.Chunk{
		SequenceNumber: seq,
		Bucket:         "archive",
		Key:            key,
		Stream:         "S",
		Subject:        "x",
		TimestampStart: records[0].Timestamp,
		TimestampEnd:   records[0].Timestamp,
		MessageCount:   1,
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

func TestLoadJobRunsToSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedReplayableChunk(t, h.cat, h.store, "hello")

	job, err := h.sup.CreateLoadJob(ctx, domain.LoadJob{
		Name: "replay", Bucket: "archive", Stream: "S", Subject: "x", WriteSubject: "y",
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "load job success", func() bool {
		got, err := h.cat.GetLoadJob(ctx, job.ID)
		return err == nil && got.Status == domain.StatusSuccess
	})
	h.bus.mu.Lock()
	published := len(h.bus.published)
	h.bus.mu.Unlock()
	if published != 1 {
		t.Fatalf("published %d records", published)
	}
}

func TestLoadJobIntegrityFailureRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := seedReplayableChunk(t, h.cat, h.store, "doomed")
	if err := h.store.Delete(ctx, "archive", c.Key); err != nil {
		t.Fatal(err)
	}

	job, err := h.sup.CreateLoadJob(ctx, domain.LoadJob{
		Name: "replay-missing", Bucket: "archive", Stream: "S", Subject: "x", WriteSubject: "y",
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "load job failure", func() bool {
		got, err := h.cat.GetLoadJob(ctx, job.ID)
		return err == nil && got.Status == domain.StatusFailure
	})
	got, _ := h.cat.GetLoadJob(ctx, job.ID)
	if !strings.Contains(got.Reason, "MissingChunk") {
		t.Fatalf("reason %q", got.Reason)
	}
}

func TestBootRecoverySpawnsRunningJobs(t *testing.T) {
	cat := catalog.NewInMem()
	ctx := context.Background()

	spec := storeJobSpec("survivor")
	spec.ID = uuid.New()
	created, _, err := cat.CreateStoreJob(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cat.SetStoreJobStatus(ctx, created.ID, domain.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}

	dormant := storeJobSpec("dormant")
	dormant.ID = uuid.New()
	if _, _, err := cat.CreateStoreJob(ctx, dormant); err != nil {
		t.Fatal(err)
	}

	sup := New(cat, &stubBus{}, newMemStore(), metrics.New(), zap.NewNop(), Config{})
	if err := sup.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(shutdownCtx)
	}()

	if !sup.hasHandle(created.ID) {
		t.Fatal("running job not recovered")
	}
	if sup.hasHandle(dormant.ID) {
		t.Fatal("created job spawned without autostart")
	}
}

func TestReconcileRespawnsMissingWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A Running row with no live handle, as after an externally written
	// status: the health loop must converge.
	spec := storeJobSpec("external")
	spec.ID = uuid.New()
	created, _, err := h.cat.CreateStoreJob(ctx, spec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.cat.SetStoreJobStatus(ctx, created.ID, domain.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "health loop respawn", func() bool { return h.sup.hasHandle(created.ID) })
}
