package supervisor

import (
	"context"
	"time"

	"nats3/internal/bus"
	"nats3/internal/worker"
)

// NATSBus adapts the concrete bus client to the worker-facing contract.
type NATSBus struct {
	*bus.Client
}

var _ Bus = NATSBus{}

func (b NATSBus) BindConsumer(ctx context.Context, stream, name, subject string, maxAckPending int) (worker.MessageSource, error) {
	cons, err := b.Client.BindConsumer(ctx, bus.ConsumerConfig{
		Stream:        stream,
		Name:          name,
		Subject:       subject,
		MaxAckPending: maxAckPending,
	})
	if err != nil {
		return nil, err
	}
	return natsSource{cons: cons}, nil
}

type natsSource struct {
	cons *bus.Consumer
}

func (s natsSource) Fetch(ctx context.Context, max int, wait time.Duration) ([]worker.Msg, error) {
	msgs, err := s.cons.Fetch(ctx, max, wait)
	if err != nil {
		return nil, err
	}
	out := make([]worker.Msg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}
	return out, nil
}
