package worker

import (
	"bytes"
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"nats3/internal/catalog"
	"nats3/internal/chunk"
	"nats3/internal/domain"
	"nats3/internal/metrics"
	"nats3/internal/objstore"
)

// maxChunkFailures bounds consecutive failed replay cycles for transient
// faults. Integrity faults fail the job immediately.
const maxChunkFailures = 5

// LoadWorker replays cataloged chunks onto the bus in
// (timestamp_start, sequence_number) order. Its durable cursor is the
// last fully replayed chunk sequence: restart never resumes inside a
// chunk, at the cost of re-publishing at most one chunk's records.
type LoadWorker struct {
	job   domain.LoadJob
	bus   Bus
	store ObjectStore
	cat   catalog.Catalog
	met   *metrics.Metrics
	log   *zap.Logger
}

func NewLoadWorker(job domain.LoadJob, b Bus, store ObjectStore, cat catalog.Catalog, met *metrics.Metrics, log *zap.Logger) *LoadWorker {
	return &LoadWorker{
		job:   job,
		bus:   b,
		store: store,
		cat:   cat,
		met:   met,
		log:   log.With(zap.String("job_id", job.ID.String()), zap.String("job", job.Name), zap.String("kind", "load")),
	}
}

func (w *LoadWorker) Run(ctx context.Context, drain <-chan struct{}) Exit {
	exit := func(reason ExitReason, err error) Exit {
		return Exit{JobID: w.job.ID, Kind: domain.KindLoad, Reason: reason, Err: err}
	}

	w.log.Info("load worker started",
		zap.String("bucket", w.job.Bucket),
		zap.String("read_stream", w.job.Stream),
		zap.String("read_subject", w.job.Subject),
		zap.String("write_subject", w.job.WriteSubject),
		zap.Int64("cursor", w.job.CursorSeq),
		zap.Bool("delete_chunks", w.job.DeleteChunks))

	cursor := w.job.CursorSeq
	failures := 0

	for {
		plan, err := w.cat.SelectChunks(ctx, catalog.ChunkQuery{
			Stream:   w.job.Stream,
			Subject:  w.job.Subject,
			Bucket:   w.job.Bucket,
			Prefix:   w.job.Prefix,
			From:     w.job.FromTime,
			To:       w.job.ToTime,
			AfterSeq: cursor,
		})
		if err != nil {
			if ctx.Err() != nil {
				return exit(ReasonCancelled, nil)
			}
			failures++
			if failures >= maxChunkFailures {
				return exit(ReasonFailed, err)
			}
			w.log.Warn("chunk plan query failed", zap.Error(err))
			sleepInterruptible(ctx, drain, flushRetryBase)
			continue
		}

		for _, next := range plan {
			select {
			case <-ctx.Done():
				return exit(ReasonCancelled, nil)
			case <-drain:
				// Cursor is already durable for every finished chunk.
				return exit(ReasonDrained, nil)
			default:
			}

			if err := w.replayChunk(ctx, next); err != nil {
				if ctx.Err() != nil {
					return exit(ReasonCancelled, nil)
				}
				if IsIntegrity(err) {
					return exit(ReasonFailed, err)
				}
				failures++
				if failures >= maxChunkFailures {
					return exit(ReasonFailed, err)
				}
				w.log.Warn("chunk replay failed, will retry", zap.Int64("sequence", next.SequenceNumber), zap.Error(err))
				sleepInterruptible(ctx, drain, flushRetryBase)
				break
			}
			failures = 0
			cursor = next.SequenceNumber
		}

		if w.hasPendingAfter(cursor, plan) {
			continue
		}
		if w.job.PollInterval == nil {
			w.log.Info("chunk plan exhausted", zap.Int64("cursor", cursor))
			return exit(ReasonCompleted, nil)
		}

		select {
		case <-time.After(w.job.PollInterval.Duration):
		case <-ctx.Done():
			return exit(ReasonCancelled, nil)
		case <-drain:
			return exit(ReasonDrained, nil)
		}
	}
}

// hasPendingAfter reports whether the plan stopped early (retry path)
// rather than running to completion.
func (w *LoadWorker) hasPendingAfter(cursor int64, plan []catalog.Chunk) bool {
	for _, c := range plan {
		if c.SequenceNumber > cursor {
			return true
		}
	}
	return false
}

func (w *LoadWorker) replayChunk(ctx context.Context, meta catalog.Chunk) error {
	log := w.log.With(zap.Int64("sequence", meta.SequenceNumber), zap.String("key", meta.Key))

	data, err := w.store.Get(ctx, meta.Bucket, meta.Key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			if w.job.DeleteChunks {
				// MissingChunk under delete_chunks semantics: another pass
				// (or operator) removed the object first. Skip, retire the
				// row, move on.
				log.Warn("MissingChunk: cataloged object absent, skipping")
				return w.cat.AdvanceLoadCursor(ctx, w.job.ID, meta.SequenceNumber, true)
			}
			return integrityErrorf("MissingChunk: object %s/%s referenced by catalog is absent", meta.Bucket, meta.Key)
		}
		return err
	}

	hdr, records, err := chunk.Decode(data)
	if err != nil {
		// CodecError (HashMismatch included) is not retryable: the stored
		// object is damaged and an operator must intervene.
		return err
	}
	if !bytes.Equal(hdr.Hash[:], meta.Hash) {
		return integrityErrorf("HashMismatch: chunk %d object hash does not match catalog", meta.SequenceNumber)
	}

	labels := []string{w.job.ID.String(), string(domain.KindLoad)}
	w.met.ChunksRead.WithLabelValues(labels...).Inc()
	w.met.BytesRead.WithLabelValues(labels...).Add(float64(len(data)))

	// Publish concurrency is 1: the chunk's stored order is the publish
	// order. Duplicates on retry are accepted (at-least-once).
	for _, rec := range records {
		if err := w.bus.Publish(ctx, w.job.WriteSubject, rec); err != nil {
			return err
		}
		w.met.MessagesOut.WithLabelValues(labels...).Inc()
	}

	if err := w.cat.AdvanceLoadCursor(ctx, w.job.ID, meta.SequenceNumber, w.job.DeleteChunks); err != nil {
		return err
	}
	if w.job.DeleteChunks {
		if err := w.store.Delete(ctx, meta.Bucket, meta.Key); err != nil {
			// Row is already soft-deleted; the reconciler collects the
			// object once the safety window passes.
			log.Warn("object delete failed after soft delete", zap.Error(err))
		}
	}

	log.Debug("chunk replayed", zap.Int("messages", len(records)))
	return nil
}
