// Package postgres implements the catalog on PostgreSQL via pgx. Status
// transitions are serialized per job id with row locks; the chunk
// sequence is a database sequence shared by all jobs.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"nats3/internal/catalog"
	"nats3/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

const pgUniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ catalog.Catalog = (*Store)(nil)

func New(ctx context.Context, url string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("new catalog pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

// Migrate applies the embedded forward-only migrations.
func (s *Store) Migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	s.log.Info("catalog migrations applied")
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close()                         { s.pool.Close() }

const storeJobColumns = `id, name, status, stream, consumer, subject, bucket, prefix,
	max_bytes, max_count, max_age_ns, codec, reason, created_at, updated_at`

func (s *Store) CreateStoreJob(ctx context.Context, job domain.StoreJob) (domain.StoreJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO store_jobs (id, name, status, stream, consumer, subject, bucket, prefix, max_bytes, max_count, max_age_ns, codec)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (name) DO NOTHING
RETURNING `+storeJobColumns,
		job.ID, job.Name, string(job.Status), job.Stream, job.Consumer, job.Subject,
		job.Bucket, job.Prefix, job.Batch.MaxBytes, job.Batch.MaxCount,
		int64(job.Batch.Age()), string(job.Encoding.Codec))

	created, err := scanStoreJob(row)
	if err == nil {
		return created, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.StoreJob{}, false, fmt.Errorf("create store job: %w", err)
	}

	// Name already taken: idempotent create returns the existing row.
	row = s.pool.QueryRow(ctx, `SELECT `+storeJobColumns+` FROM store_jobs WHERE name = $1`, job.Name)
	existing, err := scanStoreJob(row)
	if err != nil {
		return domain.StoreJob{}, false, fmt.Errorf("get store job by name: %w", err)
	}
	return existing, true, nil
}

func (s *Store) GetStoreJob(ctx context.Context, id uuid.UUID) (domain.StoreJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+storeJobColumns+` FROM store_jobs WHERE id = $1`, id)
	job, err := scanStoreJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StoreJob{}, fmt.Errorf("store job %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return domain.StoreJob{}, fmt.Errorf("get store job: %w", err)
	}
	return job, nil
}

func (s *Store) ListStoreJobs(ctx context.Context, statuses ...domain.Status) ([]domain.StoreJob, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+storeJobColumns+` FROM store_jobs
WHERE cardinality($1::store_job_status[]) = 0 OR status = ANY($1::store_job_status[])
ORDER BY created_at DESC`, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list store jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.StoreJob
	for rows.Next() {
		job, err := scanStoreJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan store job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) SetStoreJobStatus(ctx context.Context, id uuid.UUID, status domain.Status, reason string) (domain.StoreJob, error) {
	var job domain.StoreJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM store_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("store job %s: %w", id, catalog.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !domain.CanTransition(domain.Status(current), status) {
			return fmt.Errorf("store job %s: %s -> %s: %w", id, current, status, catalog.ErrIllegalTransition)
		}
		row := tx.QueryRow(ctx, `
UPDATE store_jobs SET status = $2, reason = $3, updated_at = now()
WHERE id = $1 AND status = ANY($4::store_job_status[])
RETURNING `+storeJobColumns,
			id, string(status), reason, statusStrings(domain.TransitionSources(status)))
		job, err = scanStoreJob(row)
		return err
	})
	if err != nil {
		return domain.StoreJob{}, err
	}
	return job, nil
}

func (s *Store) DeleteStoreJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM store_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete store job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store job %s: %w", id, catalog.ErrNotFound)
	}
	return nil
}

const loadJobColumns = `id, name, status, bucket, prefix, read_stream, read_subject, read_consumer,
	write_subject, poll_interval_ns, delete_chunks, from_time, to_time, cursor_seq, reason, created_at, updated_at`

func (s *Store) CreateLoadJob(ctx context.Context, job domain.LoadJob) (domain.LoadJob, bool, error) {
	var pollNs *int64
	if job.PollInterval != nil {
		ns := int64(job.PollInterval.Duration)
		pollNs = &ns
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO load_jobs (id, name, status, bucket, prefix, read_stream, read_subject, read_consumer,
	write_subject, poll_interval_ns, delete_chunks, from_time, to_time, cursor_seq)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (name) DO NOTHING
RETURNING `+loadJobColumns,
		job.ID, job.Name, string(job.Status), job.Bucket, job.Prefix, job.Stream, job.Subject,
		job.Consumer, job.WriteSubject, pollNs, job.DeleteChunks, job.FromTime, job.ToTime, job.CursorSeq)

	created, err := scanLoadJob(row)
	if err == nil {
		return created, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.LoadJob{}, false, fmt.Errorf("create load job: %w", err)
	}

	row = s.pool.QueryRow(ctx, `SELECT `+loadJobColumns+` FROM load_jobs WHERE name = $1`, job.Name)
	existing, err := scanLoadJob(row)
	if err != nil {
		return domain.LoadJob{}, false, fmt.Errorf("get load job by name: %w", err)
	}
	return existing, true, nil
}

func (s *Store) GetLoadJob(ctx context.Context, id uuid.UUID) (domain.LoadJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+loadJobColumns+` FROM load_jobs WHERE id = $1`, id)
	job, err := scanLoadJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LoadJob{}, fmt.Errorf("load job %s: %w", id, catalog.ErrNotFound)
	}
	if err != nil {
		return domain.LoadJob{}, fmt.Errorf("get load job: %w", err)
	}
	return job, nil
}

func (s *Store) ListLoadJobs(ctx context.Context, statuses ...domain.Status) ([]domain.LoadJob, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+loadJobColumns+` FROM load_jobs
WHERE cardinality($1::load_job_status[]) = 0 OR status = ANY($1::load_job_status[])
ORDER BY created_at DESC`, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list load jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.LoadJob
	for rows.Next() {
		job, err := scanLoadJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan load job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) SetLoadJobStatus(ctx context.Context, id uuid.UUID, status domain.Status, reason string) (domain.LoadJob, error) {
	var job domain.LoadJob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM load_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("load job %s: %w", id, catalog.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !domain.CanTransition(domain.Status(current), status) {
			return fmt.Errorf("load job %s: %s -> %s: %w", id, current, status, catalog.ErrIllegalTransition)
		}
		row := tx.QueryRow(ctx, `
UPDATE load_jobs SET status = $2, reason = $3, updated_at = now()
WHERE id = $1 AND status = ANY($4::load_job_status[])
RETURNING `+loadJobColumns,
			id, string(status), reason, statusStrings(domain.TransitionSources(status)))
		job, err = scanLoadJob(row)
		return err
	})
	if err != nil {
		return domain.LoadJob{}, err
	}
	return job, nil
}

func (s *Store) DeleteLoadJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM load_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete load job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("load job %s: %w", id, catalog.ErrNotFound)
	}
	return nil
}

func (s *Store) AdvanceLoadCursor(ctx context.Context, id uuid.UUID, seq int64, markDeleted bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE load_jobs SET cursor_seq = GREATEST(cursor_seq, $2), cursor_idx = 0, updated_at = now()
WHERE id = $1`, id, seq)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("load job %s: %w", id, catalog.ErrNotFound)
		}
		if markDeleted {
			if _, err := tx.Exec(ctx, `
UPDATE chunks SET deleted_at = now() WHERE sequence_number = $1 AND deleted_at IS NULL`, seq); err != nil {
				return fmt.Errorf("soft delete chunk %d: %w", seq, err)
			}
		}
		return nil
	})
}

func (s *Store) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT nextval(pg_get_serial_sequence('chunks', 'sequence_number'))`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next chunk sequence: %w", err)
	}
	return seq, nil
}

const chunkColumns = `sequence_number, store_job_id, bucket, prefix, key, stream, consumer, subject,
	timestamp_start, timestamp_end, message_count, size_bytes, codec, hash, version, created_at, deleted_at`

func (s *Store) InsertChunk(ctx context.Context, chunk catalog.Chunk) (catalog.Chunk, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO chunks (sequence_number, store_job_id, bucket, prefix, key, stream, consumer, subject,
	timestamp_start, timestamp_end, message_count, size_bytes, codec, hash, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING `+chunkColumns,
		chunk.SequenceNumber, chunk.StoreJobID, chunk.Bucket, chunk.Prefix, chunk.Key,
		chunk.Stream, chunk.Consumer, chunk.Subject, chunk.TimestampStart, chunk.TimestampEnd,
		chunk.MessageCount, chunk.SizeBytes, string(chunk.Codec), chunk.Hash, chunk.Version)

	inserted, err := scanChunk(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return catalog.Chunk{}, fmt.Errorf("chunk %s/%s: %w", chunk.Bucket, chunk.Key, catalog.ErrConflictKey)
		}
		return catalog.Chunk{}, fmt.Errorf("insert chunk: %w", err)
	}
	return inserted, nil
}

func (s *Store) SelectChunks(ctx context.Context, q catalog.ChunkQuery) ([]catalog.Chunk, error) {
	sql := `
SELECT ` + chunkColumns + ` FROM chunks
WHERE stream = $1 AND subject = $2 AND bucket = $3 AND prefix = $4 AND sequence_number > $5`
	args := []any{q.Stream, q.Subject, q.Bucket, q.Prefix, q.AfterSeq}

	if !q.IncludeDeleted {
		sql += ` AND deleted_at IS NULL`
	}
	if q.From != nil {
		args = append(args, *q.From)
		sql += fmt.Sprintf(` AND timestamp_end >= $%d`, len(args))
	}
	if q.To != nil {
		args = append(args, *q.To)
		sql += fmt.Sprintf(` AND timestamp_start <= $%d`, len(args))
	}
	sql += ` ORDER BY timestamp_start, sequence_number`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select chunks: %w", err)
	}
	defer rows.Close()

	var out []catalog.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

func (s *Store) MarkChunkDeleted(ctx context.Context, seq int64) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE chunks SET deleted_at = now() WHERE sequence_number = $1 AND deleted_at IS NULL`, seq)
	if err != nil {
		return fmt.Errorf("soft delete chunk %d: %w", seq, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %d: %w", seq, catalog.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkJobChunksDeleted(ctx context.Context, jobID uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE chunks SET deleted_at = now() WHERE store_job_id = $1 AND deleted_at IS NULL`, jobID)
	if err != nil {
		return 0, fmt.Errorf("soft delete job chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) PurgeDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deleted chunks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Locations(ctx context.Context) ([]catalog.Location, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT bucket, prefix FROM chunks ORDER BY bucket, prefix`)
	if err != nil {
		return nil, fmt.Errorf("list chunk locations: %w", err)
	}
	defer rows.Close()

	var out []catalog.Location
	for rows.Next() {
		var loc catalog.Location
		if err := rows.Scan(&loc.Bucket, &loc.Prefix); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func (s *Store) ChunkKeys(ctx context.Context, bucket, prefix string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM chunks WHERE bucket = $1 AND prefix = $2`, bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list chunk keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out[key] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanStoreJob(row scannable) (domain.StoreJob, error) {
	var (
		job      domain.StoreJob
		status   string
		codec    string
		maxAgeNs int64
	)
	err := row.Scan(&job.ID, &job.Name, &status, &job.Stream, &job.Consumer, &job.Subject,
		&job.Bucket, &job.Prefix, &job.Batch.MaxBytes, &job.Batch.MaxCount, &maxAgeNs,
		&codec, &job.Reason, &job.Created, &job.Updated)
	if err != nil {
		return domain.StoreJob{}, err
	}
	job.Status = domain.Status(status)
	job.Encoding.Codec = domain.Codec(codec)
	job.Batch.MaxAge = &domain.Duration{Duration: time.Duration(maxAgeNs)}
	return job, nil
}

func scanLoadJob(row scannable) (domain.LoadJob, error) {
	var (
		job    domain.LoadJob
		status string
		pollNs *int64
	)
	err := row.Scan(&job.ID, &job.Name, &status, &job.Bucket, &job.Prefix, &job.Stream,
		&job.Subject, &job.Consumer, &job.WriteSubject, &pollNs, &job.DeleteChunks,
		&job.FromTime, &job.ToTime, &job.CursorSeq, &job.Reason, &job.Created, &job.Updated)
	if err != nil {
		return domain.LoadJob{}, err
	}
	job.Status = domain.Status(status)
	if pollNs != nil {
		job.PollInterval = &domain.Duration{Duration: time.Duration(*pollNs)}
	}
	return job, nil
}

func scanChunk(row scannable) (catalog.Chunk, error) {
	var (
		chunk catalog.Chunk
		codec string
	)
	err := row.Scan(&chunk.SequenceNumber, &chunk.StoreJobID, &chunk.Bucket, &chunk.Prefix,
		&chunk.Key, &chunk.Stream, &chunk.Consumer, &chunk.Subject, &chunk.TimestampStart,
		&chunk.TimestampEnd, &chunk.MessageCount, &chunk.SizeBytes, &codec, &chunk.Hash,
		&chunk.Version, &chunk.CreatedAt, &chunk.DeletedAt)
	if err != nil {
		return catalog.Chunk{}, err
	}
	chunk.Codec = domain.Codec(codec)
	return chunk, nil
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
