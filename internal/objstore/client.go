// Package objstore adapts an S3-compatible object store for chunk
// storage: put/get/delete/list plus the canonical chunk key layout.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("object not found")

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Retry     RetryConfig
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("s3.endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("s3 credentials are required")
	}
	return nil
}

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

type Client struct {
	mc    *minio.Client
	retry RetryConfig
	log   *zap.Logger

	mu      sync.Mutex
	buckets map[string]bool
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("new s3 client: %w", err)
	}
	return &Client{
		mc:      mc,
		retry:   cfg.Retry.withDefaults(),
		log:     log,
		buckets: make(map[string]bool),
	}, nil
}

// Put uploads a chunk payload and returns the ETag. The bucket is created
// on first use.
func (c *Client) Put(ctx context.Context, bucket, key string, data []byte) (string, error) {
	if err := c.ensureBucket(ctx, bucket); err != nil {
		return "", err
	}
	var etag string
	err := c.withRetry(ctx, func() error {
		info, err := c.mc.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return err
		}
		etag = info.ETag
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	c.log.Debug("uploaded chunk", zap.String("bucket", bucket), zap.String("key", key), zap.Int("bytes", len(data)))
	return etag, nil
}

func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := c.withRetry(ctx, func() error {
		obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()
		data, err = io.ReadAll(obj)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("get %s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	err := c.withRetry(ctx, func() error {
		return c.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", bucket, classify(err))
	}
	if !exists {
		return nil, nil
	}
	var out []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, classify(obj.Err))
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

func (c *Client) ensureBucket(ctx context.Context, bucket string) error {
	c.mu.Lock()
	known := c.buckets[bucket]
	c.mu.Unlock()
	if known {
		return nil
	}

	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, classify(err))
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			// Lost the race against a concurrent creator.
			if resp := minio.ToErrorResponse(err); resp.Code != "BucketAlreadyOwnedByYou" && resp.Code != "BucketAlreadyExists" {
				return fmt.Errorf("create bucket %s: %w", bucket, classify(err))
			}
		}
		c.log.Info("created bucket", zap.String("bucket", bucket))
	}

	c.mu.Lock()
	c.buckets[bucket] = true
	c.mu.Unlock()
	return nil
}

// withRetry retries transient failures with exponential backoff and
// jitter, bounded by the configured attempt budget. Permanent failures
// surface immediately.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retry.BaseDelay
	policy.MaxInterval = c.retry.MaxDelay
	policy.MaxElapsedTime = 0

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		err = classify(err)
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(c.retry.MaxAttempts-1)), ctx))
}

func classify(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 404 || resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Code)
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= 500 {
		return true
	}
	if resp.StatusCode >= 400 {
		return false
	}
	// No HTTP response at all: connection-level failure.
	return resp.StatusCode == 0
}

// ObjectKey builds the canonical chunk key:
// {prefix/}{stream}/{subject}/{yyyy}/{mm}/{dd}/{startNanos}-{seq}.chunk.
// Timestamp-first naming within a day keeps lexical order close to
// temporal order for prefix listings.
func ObjectKey(prefix, stream, subject string, start time.Time, seq int64) string {
	start = start.UTC()
	key := fmt.Sprintf("%s/%s/%s/%d-%d.chunk",
		sanitizeSegment(stream),
		sanitizeSegment(subject),
		start.Format("2006/01/02"),
		start.UnixNano(),
		seq,
	)
	if prefix != "" {
		key = strings.TrimSuffix(prefix, "/") + "/" + key
	}
	return key
}

// sanitizeSegment makes a stream or subject safe as a key path segment.
// Subject tokens keep their dots' positions readable via underscores.
func sanitizeSegment(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", "/", "_").Replace(s)
}
