// Package queue carries delivery envelopes from the scheduler to the worker
// over two lanes: a primary lane for first attempts and a delayed lane that
// returns retries to the primary lane after a cool-down.
//
// Delivery is at-least-once. A delivery that is not acknowledged is handed
// out again, so handlers must be idempotent per scheduled-message id.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mahaj/chat-dispatch/pkg/model"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 5 * time.Second
)

var ErrClosed = errors.New("queue closed")

type Lane string

const (
	LanePrimary Lane = "primary"
	LaneRetry   Lane = "retry"
)

// Delivery is one envelope handed to a Handler.
type Delivery struct {
	Envelope model.Envelope
	Lane     Lane

	once  sync.Once
	ack   func(ctx context.Context) error
	err   error
	acked bool
	mu    sync.Mutex
}

// NewDelivery wraps env with an acknowledgement callback.
func NewDelivery(env model.Envelope, lane Lane, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Envelope: env, Lane: lane, ack: ack}
}

// Ack acknowledges the delivery. Only the first call reaches the broker;
// later calls return the first result.
func (d *Delivery) Ack(ctx context.Context) error {
	d.once.Do(func() {
		if d.ack != nil {
			d.err = d.ack(ctx)
		}
		d.mu.Lock()
		d.acked = d.err == nil
		d.mu.Unlock()
	})
	return d.err
}

// Acked reports whether Ack succeeded.
func (d *Delivery) Acked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Handler processes one delivery. It is responsible for calling Ack; a
// delivery left unacknowledged is redelivered.
type Handler func(ctx context.Context, d *Delivery) error

type Producer interface {
	// Enqueue publishes env on the primary lane and returns once the
	// broker has accepted it.
	Enqueue(ctx context.Context, env model.Envelope) error
}

type Deferrer interface {
	// Defer publishes env on the delayed lane. It reaches the primary lane
	// again no sooner than the configured retry delay.
	Defer(ctx context.Context, env model.Envelope) error
}

type Consumer interface {
	// Consume feeds deliveries to h until ctx is cancelled.
	Consume(ctx context.Context, h Handler) error
}

type Queue interface {
	Producer
	Deferrer
	Consumer
	Status(ctx context.Context) (Status, error)
	Close() error
}

type LaneStatus struct {
	Lane      Lane   `json:"lane"`
	Name      string `json:"name"`
	Written   int64  `json:"written"`
	Lag       int64  `json:"lag"`
	Consumers int    `json:"consumers"`
}

type Status struct {
	Lanes      []LaneStatus `json:"lanes"`
	MaxRetries int          `json:"max_retries"`
	RetryDelay string       `json:"retry_delay"`
}
