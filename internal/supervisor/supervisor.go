// Package supervisor owns the live-worker table: it reconciles declared
// jobs with running workers, serializes pause/resume/delete per job, and
// recovers Running jobs at boot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nats3/internal/catalog"
	"nats3/internal/domain"
	"nats3/internal/metrics"
	"nats3/internal/worker"
)

var (
	ErrJobRunning = errors.New("job already running")
	// ErrDegraded: the catalog is unreachable; new work is refused while
	// running workers continue to their next checkpoint.
	ErrDegraded = errors.New("catalog unavailable, refusing new work")
)

// Bus extends the worker-facing bus contract with consumer deletion,
// which only the supervisor performs.
type Bus interface {
	worker.Bus
	DeleteConsumer(ctx context.Context, stream, name string) error
}

type Config struct {
	// HealthInterval paces the loop converging observed worker state with
	// durable job status.
	HealthInterval time.Duration
	// PauseGrace bounds how long pause waits for a drain confirmation.
	PauseGrace time.Duration
	// DeleteGrace bounds how long delete waits for worker exit.
	DeleteGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.PauseGrace <= 0 {
		c.PauseGrace = 30 * time.Second
	}
	if c.DeleteGrace <= 0 {
		c.DeleteGrace = 30 * time.Second
	}
	return c
}

type handle struct {
	kind      domain.JobKind
	cancel    context.CancelFunc
	drain     chan struct{}
	drainOnce sync.Once
	done      chan struct{}
}

func (h *handle) requestDrain() {
	h.drainOnce.Do(func() { close(h.drain) })
}

type Supervisor struct {
	cfg   Config
	cat   catalog.Catalog
	bus   Bus
	store worker.ObjectStore
	met   *metrics.Metrics
	log   *zap.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*handle

	exits    chan worker.Exit
	rootCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopWg   sync.WaitGroup
	degraded atomic.Bool
}

func New(cat catalog.Catalog, b Bus, store worker.ObjectStore, met *metrics.Metrics, log *zap.Logger, cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		cat:     cat,
		bus:     b,
		store:   store,
		met:     met,
		log:     log.Named("supervisor"),
		handles: make(map[uuid.UUID]*handle),
		exits:   make(chan worker.Exit, 16),
		rootCtx: ctx,
		cancel:  cancel,
	}
}

// Start recovers jobs left Running in the catalog and begins the
// completer and health loops.
func (s *Supervisor) Start(ctx context.Context) error {
	storeJobs, err := s.cat.ListStoreJobs(ctx, domain.StatusRunning)
	if err != nil {
		return fmt.Errorf("recover store jobs: %w", err)
	}
	loadJobs, err := s.cat.ListLoadJobs(ctx, domain.StatusRunning)
	if err != nil {
		return fmt.Errorf("recover load jobs: %w", err)
	}
	if len(storeJobs)+len(loadJobs) > 0 {
		s.log.Info("recovering running jobs", zap.Int("store", len(storeJobs)), zap.Int("load", len(loadJobs)))
	}
	for _, job := range storeJobs {
		if err := s.spawnStore(job); err != nil && !errors.Is(err, ErrJobRunning) {
			return err
		}
	}
	for _, job := range loadJobs {
		if err := s.spawnLoad(job); err != nil && !errors.Is(err, ErrJobRunning) {
			return err
		}
	}

	s.loopWg.Add(2)
	go s.completer()
	go s.healthLoop()
	return nil
}

// Shutdown cancels every worker and waits for them to check in.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(s.exits)
		s.loopWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("all workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (s *Supervisor) Degraded() bool { return s.degraded.Load() }

// CreateStoreJob inserts the job and optionally starts it. Create is
// idempotent on name: a repeated create returns the stored row untouched.
func (s *Supervisor) CreateStoreJob(ctx context.Context, job domain.StoreJob, autostart bool) (domain.StoreJob, error) {
	if s.Degraded() {
		return domain.StoreJob{}, ErrDegraded
	}
	job.Batch = job.Batch.WithDefaults()
	job.Encoding = job.Encoding.WithDefaults()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = domain.StatusCreated
	if err := job.Validate(); err != nil {
		return domain.StoreJob{}, err
	}

	created, existed, err := s.cat.CreateStoreJob(ctx, job)
	if err != nil {
		return domain.StoreJob{}, err
	}
	if existed {
		return created, nil
	}
	if autostart {
		return s.StartStoreJob(ctx, created.ID)
	}
	return created, nil
}

func (s *Supervisor) StartStoreJob(ctx context.Context, id uuid.UUID) (domain.StoreJob, error) {
	if s.Degraded() {
		return domain.StoreJob{}, ErrDegraded
	}
	if s.hasHandle(id) {
		return domain.StoreJob{}, fmt.Errorf("store job %s: %w", id, ErrJobRunning)
	}
	job, err := s.cat.SetStoreJobStatus(ctx, id, domain.StatusRunning, "")
	if err != nil {
		return domain.StoreJob{}, err
	}
	if err := s.spawnStore(job); err != nil {
		return domain.StoreJob{}, err
	}
	return job, nil
}

// PauseStoreJob records the durable intent, then asks the worker to
// drain-and-exit and waits for the confirmation.
func (s *Supervisor) PauseStoreJob(ctx context.Context, id uuid.UUID) (domain.StoreJob, error) {
	job, err := s.cat.SetStoreJobStatus(ctx, id, domain.StatusPaused, "")
	if err != nil {
		return domain.StoreJob{}, err
	}
	if err := s.drainHandle(ctx, id); err != nil {
		return domain.StoreJob{}, err
	}
	return job, nil
}

// ResumeStoreJob is idempotent: a live handle means the job is already
// running and the stored row is returned as-is.
func (s *Supervisor) ResumeStoreJob(ctx context.Context, id uuid.UUID) (domain.StoreJob, error) {
	if s.hasHandle(id) {
		return s.cat.GetStoreJob(ctx, id)
	}
	return s.StartStoreJob(ctx, id)
}

// DeleteStoreJob stops the worker, removes the derived consumer binding
// (never a user-supplied one), and deletes the row. Chunks survive with
// their owner reference nulled unless cascade soft-deletes them.
func (s *Supervisor) DeleteStoreJob(ctx context.Context, id uuid.UUID, cascade bool) error {
	job, err := s.cat.GetStoreJob(ctx, id)
	if err != nil {
		return err
	}
	s.stopHandle(ctx, id)

	if job.Consumer == "" {
		name := worker.NewStoreWorker(job, nil, nil, nil, s.met, s.log).ConsumerName()
		if err := s.bus.DeleteConsumer(ctx, job.Stream, name); err != nil {
			s.log.Warn("delete consumer binding failed", zap.String("consumer", name), zap.Error(err))
		}
	}
	if cascade {
		if _, err := s.cat.MarkJobChunksDeleted(ctx, id); err != nil {
			return err
		}
	}
	return s.cat.DeleteStoreJob(ctx, id)
}

func (s *Supervisor) CreateLoadJob(ctx context.Context, job domain.LoadJob, autostart bool) (domain.LoadJob, error) {
	if s.Degraded() {
		return domain.LoadJob{}, ErrDegraded
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = domain.StatusCreated
	if err := job.Validate(); err != nil {
		return domain.LoadJob{}, err
	}

	created, existed, err := s.cat.CreateLoadJob(ctx, job)
	if err != nil {
		return domain.LoadJob{}, err
	}
	if existed {
		return created, nil
	}
	if autostart {
		return s.StartLoadJob(ctx, created.ID)
	}
	return created, nil
}

func (s *Supervisor) StartLoadJob(ctx context.Context, id uuid.UUID) (domain.LoadJob, error) {
	if s.Degraded() {
		return domain.LoadJob{}, ErrDegraded
	}
	if s.hasHandle(id) {
		return domain.LoadJob{}, fmt.Errorf("load job %s: %w", id, ErrJobRunning)
	}
	job, err := s.cat.SetLoadJobStatus(ctx, id, domain.StatusRunning, "")
	if err != nil {
		return domain.LoadJob{}, err
	}
	if err := s.spawnLoad(job); err != nil {
		return domain.LoadJob{}, err
	}
	return job, nil
}

func (s *Supervisor) PauseLoadJob(ctx context.Context, id uuid.UUID) (domain.LoadJob, error) {
	job, err := s.cat.SetLoadJobStatus(ctx, id, domain.StatusPaused, "")
	if err != nil {
		return domain.LoadJob{}, err
	}
	if err := s.drainHandle(ctx, id); err != nil {
		return domain.LoadJob{}, err
	}
	return job, nil
}

func (s *Supervisor) ResumeLoadJob(ctx context.Context, id uuid.UUID) (domain.LoadJob, error) {
	if s.hasHandle(id) {
		return s.cat.GetLoadJob(ctx, id)
	}
	// The worker resumes from the persisted chunk cursor.
	return s.StartLoadJob(ctx, id)
}

func (s *Supervisor) DeleteLoadJob(ctx context.Context, id uuid.UUID) error {
	if _, err := s.cat.GetLoadJob(ctx, id); err != nil {
		return err
	}
	s.stopHandle(ctx, id)
	return s.cat.DeleteLoadJob(ctx, id)
}

// spawnStore registers the handle and launches the worker. The handle is
// installed under the lock before the goroutine starts, so at most one
// worker per job id can ever exist.
func (s *Supervisor) spawnStore(job domain.StoreJob) error {
	s.mu.Lock()
	if _, ok := s.handles[job.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("store job %s: %w", job.ID, ErrJobRunning)
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	h := &handle{kind: domain.KindStore, cancel: cancel, drain: make(chan struct{}), done: make(chan struct{})}
	s.handles[job.ID] = h
	s.mu.Unlock()

	w := worker.NewStoreWorker(job, s.bus, s.store, s.cat, s.met, s.log)
	s.met.JobsRunning.WithLabelValues(string(domain.KindStore)).Inc()
	s.wg.Add(1)
	go s.runWorker(job.ID, h, func(ctx context.Context) worker.Exit {
		return w.Run(ctx, h.drain)
	}, ctx)
	return nil
}

// runWorker executes the worker, removes exactly its own handle (a
// resumed job may already own a fresh one), confirms exit, and reports
// to the completer.
func (s *Supervisor) runWorker(id uuid.UUID, h *handle, run func(context.Context) worker.Exit, ctx context.Context) {
	defer s.wg.Done()
	exit := run(ctx)
	s.mu.Lock()
	if cur, ok := s.handles[id]; ok && cur == h {
		delete(s.handles, id)
	}
	s.mu.Unlock()
	close(h.done)
	s.exits <- exit
}

func (s *Supervisor) spawnLoad(job domain.LoadJob) error {
	s.mu.Lock()
	if _, ok := s.handles[job.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("load job %s: %w", job.ID, ErrJobRunning)
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	h := &handle{kind: domain.KindLoad, cancel: cancel, drain: make(chan struct{}), done: make(chan struct{})}
	s.handles[job.ID] = h
	s.mu.Unlock()

	w := worker.NewLoadWorker(job, s.bus, s.store, s.cat, s.met, s.log)
	s.met.JobsRunning.WithLabelValues(string(domain.KindLoad)).Inc()
	s.wg.Add(1)
	go s.runWorker(job.ID, h, func(ctx context.Context) worker.Exit {
		return w.Run(ctx, h.drain)
	}, ctx)
	return nil
}

func (s *Supervisor) hasHandle(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[id]
	return ok
}

func (s *Supervisor) getHandle(id uuid.UUID) (*handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// drainHandle asks the worker to finish its current unit of work and
// exit, then waits for the confirmation.
func (s *Supervisor) drainHandle(ctx context.Context, id uuid.UUID) error {
	h, ok := s.getHandle(id)
	if !ok {
		return nil
	}
	h.requestDrain()
	select {
	case <-h.done:
		return nil
	case <-time.After(s.cfg.PauseGrace):
		return fmt.Errorf("job %s: worker did not confirm drain within %s", id, s.cfg.PauseGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopHandle cancels the worker and waits for exit within the delete
// grace period.
func (s *Supervisor) stopHandle(ctx context.Context, id uuid.UUID) {
	h, ok := s.getHandle(id)
	if !ok {
		return
	}
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(s.cfg.DeleteGrace):
		s.log.Warn("worker did not exit within grace period", zap.String("job_id", id.String()))
	case <-ctx.Done():
	}
}

// completer consumes worker exits and converges durable status. It is
// the only writer of terminal statuses.
func (s *Supervisor) completer() {
	defer s.loopWg.Done()
	for exit := range s.exits {
		s.met.JobsRunning.WithLabelValues(string(exit.Kind)).Dec()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.handleExit(ctx, exit)
		cancel()
	}
}

func (s *Supervisor) handleExit(ctx context.Context, exit worker.Exit) {
	log := s.log.With(
		zap.String("job_id", exit.JobID.String()),
		zap.String("kind", string(exit.Kind)),
		zap.String("reason", exit.Reason.String()))

	var (
		status domain.Status
		reason string
	)
	switch exit.Reason {
	case worker.ReasonCompleted:
		status = domain.StatusSuccess
	case worker.ReasonFailed:
		status = domain.StatusFailure
		if exit.Err != nil {
			reason = exit.Err.Error()
		}
		s.met.JobFailures.WithLabelValues(exit.JobID.String(), string(exit.Kind)).Inc()
		log.Warn("worker failed", zap.Error(exit.Err))
	case worker.ReasonDrained, worker.ReasonCancelled:
		// Pause already persisted Paused; cancel precedes delete or
		// shutdown. Either way the durable status is not ours to change.
		log.Debug("worker exited")
		return
	}

	var err error
	if exit.Kind == domain.KindStore {
		_, err = s.cat.SetStoreJobStatus(ctx, exit.JobID, status, reason)
	} else {
		_, err = s.cat.SetLoadJobStatus(ctx, exit.JobID, status, reason)
	}
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		log.Warn("record terminal status failed", zap.Error(err))
	}
}

// healthLoop converges observed workers with durable statuses: spawn for
// Running rows without a handle, drain handles whose row is no longer
// Running, and track catalog reachability for degraded mode.
func (s *Supervisor) healthLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			s.reconcile()
		}
	}
}

func (s *Supervisor) reconcile() {
	ctx, cancel := context.WithTimeout(s.rootCtx, 10*time.Second)
	defer cancel()

	if err := s.cat.Ping(ctx); err != nil {
		if s.degraded.CompareAndSwap(false, true) {
			s.log.Warn("catalog unreachable, entering degraded mode", zap.Error(err))
		}
		return
	}
	if s.degraded.CompareAndSwap(true, false) {
		s.log.Info("catalog reachable again, leaving degraded mode")
	}

	storeJobs, err := s.cat.ListStoreJobs(ctx, domain.StatusRunning)
	if err != nil {
		return
	}
	loadJobs, err := s.cat.ListLoadJobs(ctx, domain.StatusRunning)
	if err != nil {
		return
	}

	running := make(map[uuid.UUID]bool, len(storeJobs)+len(loadJobs))
	for _, job := range storeJobs {
		running[job.ID] = true
		if !s.hasHandle(job.ID) {
			s.log.Info("respawning store worker", zap.String("job_id", job.ID.String()))
			if err := s.spawnStore(job); err != nil && !errors.Is(err, ErrJobRunning) {
				s.log.Warn("respawn failed", zap.Error(err))
			}
		}
	}
	for _, job := range loadJobs {
		running[job.ID] = true
		if !s.hasHandle(job.ID) {
			s.log.Info("respawning load worker", zap.String("job_id", job.ID.String()))
			if err := s.spawnLoad(job); err != nil && !errors.Is(err, ErrJobRunning) {
				s.log.Warn("respawn failed", zap.Error(err))
			}
		}
	}

	// Workers whose durable status moved away from Running drain out.
	s.mu.Lock()
	var stale []*handle
	for id, h := range s.handles {
		if !running[id] {
			stale = append(stale, h)
		}
	}
	s.mu.Unlock()
	for _, h := range stale {
		h.requestDrain()
	}
}
