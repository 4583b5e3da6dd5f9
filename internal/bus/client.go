// Package bus adapts NATS JetStream: durable consumer lifecycle, bounded
// fetch, and acknowledged publish.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"nats3/internal/domain"
)

type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *zap.Logger
}

func Connect(url string, log *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus at %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("new jetstream context: %w", err)
	}
	log.Debug("connected to bus", zap.String("url", url))
	return &Client{nc: nc, js: js, log: log}, nil
}

func (c *Client) Close() {
	c.nc.Close()
}

type ConsumerConfig struct {
	Stream        string
	Name          string
	Subject       string
	MaxAckPending int
}

// Consumer is a bound durable consumer. Its name and server-side position
// are the durable cursor for a store job; no per-message offsets are
// persisted anywhere else.
type Consumer struct {
	cons jetstream.Consumer
	name string
}

// BindConsumer gets or creates the durable consumer. Explicit ack and
// deliver-all: the consumer position only advances on ack, so a restarted
// worker resumes at the first unacked message.
func (c *Client) BindConsumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	stream, err := c.js.Stream(ctx, cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", cfg.Stream, err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Name,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxAckPending: cfg.MaxAckPending,
	})
	if err != nil {
		return nil, fmt.Errorf("bind consumer %s on %s: %w", cfg.Name, cfg.Stream, err)
	}
	c.log.Debug("bound durable consumer",
		zap.String("stream", cfg.Stream),
		zap.String("consumer", cfg.Name),
		zap.String("subject", cfg.Subject))
	return &Consumer{cons: cons, name: cfg.Name}, nil
}

func (c *Client) DeleteConsumer(ctx context.Context, stream, name string) error {
	err := c.js.DeleteConsumer(ctx, stream, name)
	if err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return fmt.Errorf("delete consumer %s on %s: %w", name, stream, err)
	}
	return nil
}

// Message wraps one delivered bus message with its ack handle.
type Message struct {
	msg jetstream.Msg
}

func (m Message) Record() domain.Record {
	rec := domain.Record{
		Subject:   m.msg.Subject(),
		Body:      m.msg.Data(),
		Timestamp: time.Now().UTC(),
	}
	if md, err := m.msg.Metadata(); err == nil {
		rec.Timestamp = md.Timestamp.UTC()
	}
	if h := m.msg.Headers(); len(h) > 0 {
		rec.Headers = map[string][]string(h)
	}
	return rec
}

func (m Message) Ack() error { return m.msg.Ack() }

// InProgress resets the server's ack wait timer; used to keep long-lived
// batches from being redelivered mid-accumulation.
func (m Message) InProgress() error { return m.msg.InProgress() }

// Fetch pulls up to max messages, waiting at most wait for the batch.
// A timeout with no messages is not an error.
func (c *Consumer) Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, err := c.cons.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", c.name, err)
	}
	var out []Message
	for msg := range batch.Messages() {
		out = append(out, Message{msg: msg})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch from %s: %w", c.name, err)
	}
	return out, nil
}

// Publish sends a record to the subject and waits for the stream ack.
// At-least-once: a timed-out publish may still have landed.
func (c *Client) Publish(ctx context.Context, subject string, rec domain.Record) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    rec.Body,
	}
	if len(rec.Headers) > 0 {
		msg.Header = nats.Header(rec.Headers)
	}
	if _, err := c.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// StoreConsumerName derives the stable durable-consumer name for a store
// job without an explicit consumer. The name survives restarts so the
// worker resumes where it left off.
func StoreConsumerName(jobID string) string {
	return "nats3-store-" + sanitizeName(jobID)
}

// sanitizeName strips characters JetStream rejects in consumer names.
func sanitizeName(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", "/", "_", " ", "_").Replace(s)
}
