// Package reconciler collects orphan chunk objects: objects a crashed
// flush cycle uploaded before its catalog insert, and objects whose
// soft-deleted rows have been purged.
package reconciler

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"nats3/internal/catalog"
	"nats3/internal/objstore"
)

// DefaultSafetyWindow is how old an unreferenced object must be before
// it is treated as an orphan. It is set well past twice the worst-case
// PUT retry horizon so an in-flight flush can never lose its object.
const DefaultSafetyWindow = time.Hour

const chunkSuffix = ".chunk"

type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]objstore.ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
}

type Reconciler struct {
	cat      catalog.Catalog
	store    ObjectStore
	interval time.Duration
	window   time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func New(cat catalog.Catalog, store ObjectStore, interval, window time.Duration, log *zap.Logger) *Reconciler {
	if window <= 0 {
		window = DefaultSafetyWindow
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		cat:      cat,
		store:    store,
		interval: interval,
		window:   window,
		log:      log.Named("reconciler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, purged, err := r.RunOnce(ctx)
			if err != nil {
				r.log.Warn("reconcile pass failed", zap.Error(err))
				continue
			}
			if removed > 0 || purged > 0 {
				r.log.Info("reconcile pass", zap.Int("orphans_removed", removed), zap.Int64("rows_purged", purged))
			}
		}
	}
}

// RunOnce diffs object listings against the catalog per location,
// deletes unreferenced chunk objects older than the safety window, and
// hard-deletes soft-deleted rows past the same window.
func (r *Reconciler) RunOnce(ctx context.Context) (removed int, purged int64, err error) {
	cutoff := r.now().Add(-r.window)

	locations, err := r.cat.Locations(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, loc := range locations {
		referenced, err := r.cat.ChunkKeys(ctx, loc.Bucket, loc.Prefix)
		if err != nil {
			return removed, 0, err
		}
		objects, err := r.store.List(ctx, loc.Bucket, loc.Prefix)
		if err != nil {
			return removed, 0, err
		}
		for _, obj := range objects {
			if !strings.HasSuffix(obj.Key, chunkSuffix) {
				continue
			}
			if _, ok := referenced[obj.Key]; ok {
				continue
			}
			if obj.LastModified.After(cutoff) {
				// Could be a flush that has not reached its catalog insert
				// yet; leave it for a later pass.
				continue
			}
			if err := r.store.Delete(ctx, loc.Bucket, obj.Key); err != nil {
				r.log.Warn("orphan delete failed", zap.String("bucket", loc.Bucket), zap.String("key", obj.Key), zap.Error(err))
				continue
			}
			r.log.Info("removed orphan object", zap.String("bucket", loc.Bucket), zap.String("key", obj.Key))
			removed++
		}
	}

	purged, err = r.cat.PurgeDeleted(ctx, cutoff)
	if err != nil {
		return removed, 0, err
	}
	return removed, purged, nil
}
