package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"nats3/internal/bus"
	"nats3/internal/catalog"
	"nats3/internal/chunk"
	"nats3/internal/domain"
	"nats3/internal/metrics"
	"nats3/internal/objstore"
)

const (
	fetchWait         = time.Second
	keepAliveInterval = 10 * time.Second
	// maxFlushFailures bounds consecutive failed flush cycles before the
	// worker gives up and reports Failure.
	maxFlushFailures = 5
	finalFlushGrace  = 30 * time.Second
)

// flushRetryBase is the first delay between failed flush cycles; it
// doubles each cycle. Variable so tests can shrink it.
var flushRetryBase = time.Second

// StoreWorker drains one durable consumer into size- and count-bounded
// chunks. The consumer name and server-side ack position are its only
// durable cursor.
type StoreWorker struct {
	job   domain.StoreJob
	bus   Bus
	store ObjectStore
	cat   catalog.Catalog
	met   *metrics.Metrics
	log   *zap.Logger
}

func NewStoreWorker(job domain.StoreJob, b Bus, store ObjectStore, cat catalog.Catalog, met *metrics.Metrics, log *zap.Logger) *StoreWorker {
	return &StoreWorker{
		job:   job,
		bus:   b,
		store: store,
		cat:   cat,
		met:   met,
		log:   log.With(zap.String("job_id", job.ID.String()), zap.String("job", job.Name), zap.String("kind", "store")),
	}
}

// ConsumerName is the durable consumer this worker binds: the job's
// explicit consumer when given, otherwise a stable name derived from the
// job id.
func (w *StoreWorker) ConsumerName() string {
	if w.job.Consumer != "" {
		return w.job.Consumer
	}
	return bus.StoreConsumerName(w.job.ID.String())
}

// accumulator is the in-flight batch: the Accumulating state of the
// worker's state machine.
type accumulator struct {
	msgs    []Msg
	records []domain.Record
	bytes   int64
	firstAt time.Time
}

func (a *accumulator) add(msg Msg) {
	rec := msg.Record()
	if len(a.msgs) == 0 {
		a.firstAt = time.Now()
	}
	a.msgs = append(a.msgs, msg)
	a.records = append(a.records, rec)
	a.bytes += int64(len(rec.Body))
}

func (a *accumulator) reset() {
	a.msgs = nil
	a.records = nil
	a.bytes = 0
}

func (a *accumulator) keepAlive(log *zap.Logger) {
	for _, msg := range a.msgs {
		if err := msg.InProgress(); err != nil {
			log.Warn("keep-alive ack failed", zap.Error(err))
		}
	}
}

func (w *StoreWorker) Run(ctx context.Context, drain <-chan struct{}) Exit {
	exit := func(reason ExitReason, err error) Exit {
		return Exit{JobID: w.job.ID, Kind: domain.KindStore, Reason: reason, Err: err}
	}

	source, err := w.bus.BindConsumer(ctx, w.job.Stream, w.ConsumerName(), w.job.Subject, int(w.job.Batch.MaxCount))
	if err != nil {
		return exit(ReasonFailed, err)
	}
	w.log.Info("store worker started",
		zap.String("stream", w.job.Stream),
		zap.String("subject", w.job.Subject),
		zap.String("consumer", w.ConsumerName()),
		zap.String("bucket", w.job.Bucket))

	var batch accumulator
	maxAge := w.job.Batch.Age()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			// Finish the in-flight batch on a detached deadline; consumer
			// redelivery covers anything left behind.
			if len(batch.msgs) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushGrace)
				if err := w.flushWithRetry(flushCtx, nil, &batch); err != nil {
					w.log.Warn("final flush abandoned", zap.Error(err))
				}
				cancel()
			}
			return exit(ReasonCancelled, nil)
		case <-drain:
			w.log.Debug("drain requested, flushing partial batch", zap.Int("messages", len(batch.msgs)))
			if len(batch.msgs) > 0 {
				if err := w.flushWithRetry(ctx, nil, &batch); err != nil {
					return exit(ReasonFailed, err)
				}
			}
			return exit(ReasonDrained, nil)
		case <-keepAlive.C:
			batch.keepAlive(w.log)
		default:
		}

		if len(batch.msgs) > 0 && time.Since(batch.firstAt) >= maxAge {
			w.log.Debug("batch age threshold reached", zap.Int("messages", len(batch.msgs)))
			if err := w.flushWithRetry(ctx, drain, &batch); err != nil {
				if ctx.Err() != nil {
					return exit(ReasonCancelled, nil)
				}
				return exit(ReasonFailed, err)
			}
			continue
		}

		room := int(w.job.Batch.MaxCount) - len(batch.msgs)
		msgs, err := source.Fetch(ctx, room, fetchWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.log.Warn("fetch failed", zap.Error(err))
			sleepInterruptible(ctx, drain, flushRetryBase)
			continue
		}
		for _, msg := range msgs {
			batch.add(msg)
			w.met.MessagesIn.WithLabelValues(w.job.ID.String(), string(domain.KindStore)).Inc()
			// Thresholds are evaluated per delivery so a single fetch
			// window can close several chunks.
			if int64(len(batch.msgs)) >= w.job.Batch.MaxCount || batch.bytes >= w.job.Batch.MaxBytes {
				if err := w.flushWithRetry(ctx, drain, &batch); err != nil {
					if ctx.Err() != nil {
						return exit(ReasonCancelled, nil)
					}
					return exit(ReasonFailed, err)
				}
			}
		}
	}
}

// flushWithRetry drives the Flushing state: the batch is preserved across
// failed cycles and retried with backoff until the failure budget is
// spent. Each retry takes a fresh sequence number, so a cycle that died
// between PUT and INSERT leaves one orphan object behind for the
// reconciler.
func (w *StoreWorker) flushWithRetry(ctx context.Context, drain <-chan struct{}, batch *accumulator) error {
	delay := flushRetryBase
	for attempt := 1; ; attempt++ {
		err := w.flush(ctx, batch)
		if err == nil {
			return nil
		}
		w.log.Warn("flush cycle failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt >= maxFlushFailures {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		sleepInterruptible(ctx, drain, delay)
		delay *= 2
	}
}

func (w *StoreWorker) flush(ctx context.Context, batch *accumulator) error {
	start, end, _ := chunk.Bounds(batch.records)

	seq, err := w.cat.NextSequence(ctx)
	if err != nil {
		return err
	}
	key := objstore.ObjectKey(w.job.Prefix, w.job.Stream, w.job.Subject, start, seq)

	data, hash, _, err := chunk.Encode(batch.records, w.job.Encoding.Codec)
	if err != nil {
		return err
	}

	// Object first, catalog second: an orphan object is detectable and
	// cheap to GC, a catalog row without its object is an integrity
	// failure only visible at read time.
	if _, err := w.store.Put(ctx, w.job.Bucket, key, data); err != nil {
		return err
	}

	jobID := w.job.ID
	if _, err := w.cat.InsertChunk(ctx, catalog.Chunk{
		SequenceNumber: seq,
		StoreJobID:     &jobID,
		Bucket:         w.job.Bucket,
		Prefix:         w.job.Prefix,
		Key:            key,
		Stream:         w.job.Stream,
		Consumer:       w.ConsumerName(),
		Subject:        w.job.Subject,
		TimestampStart: start,
		TimestampEnd:   end,
		MessageCount:   int64(len(batch.records)),
		SizeBytes:      int64(len(data)),
		Codec:          w.job.Encoding.Codec,
		Hash:           hash[:],
		Version:        chunk.Version,
	}); err != nil {
		return err
	}

	// The chunk row is durable; only now may the bus forget the messages.
	for _, msg := range batch.msgs {
		if err := msg.Ack(); err != nil {
			// The chunk is committed; a missed ack means redelivery and a
			// duplicate chunk later, which at-least-once tolerates.
			w.log.Warn("ack failed after commit", zap.Error(err))
		}
	}

	labels := []string{w.job.ID.String(), string(domain.KindStore)}
	w.met.ChunksWritten.WithLabelValues(labels...).Inc()
	w.met.BytesWritten.WithLabelValues(labels...).Add(float64(len(data)))

	w.log.Info("chunk committed",
		zap.Int64("sequence", seq),
		zap.String("key", key),
		zap.Int("messages", len(batch.records)),
		zap.Int("bytes", len(data)))

	batch.reset()
	return nil
}

// sleepInterruptible waits for d unless the context or drain fires first;
// it reports whether the full duration elapsed.
func sleepInterruptible(ctx context.Context, drain <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-drain:
		return false
	}
}

// IsIntegrity reports whether the error is an integrity fault that must
// not be retried.
func IsIntegrity(err error) bool {
	var ie *integrityError
	if errors.As(err, &ie) {
		return true
	}
	var ce *chunk.CodecError
	return errors.As(err, &ce)
}
