package queue

import (
	"context"
	"sync"
	"time"

	"github.com/mahaj/chat-dispatch/pkg/model"
)

type deferred struct {
	env       model.Envelope
	notBefore time.Time
}

// MemoryQueue is a process-local Queue. Deliveries left unacknowledged are
// parked until Redeliver, which stands in for a broker visibility timeout.
type MemoryQueue struct {
	mu         sync.Mutex
	primary    []model.Envelope
	retry      []deferred
	unacked    []model.Envelope
	closed     bool
	notify     chan struct{}
	now        func() time.Time
	maxRetries int
	retryDelay time.Duration

	written      int64
	deferCount   int64
	roundTrips   int64
	consumers    int
	pollInterval time.Duration
}

type MemoryOption func(*MemoryQueue)

// WithRetryDelay sets the delayed-lane cool-down. Zero makes retries
// immediately eligible.
func WithRetryDelay(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.retryDelay = d }
}

func WithMaxRetries(n int) MemoryOption {
	return func(q *MemoryQueue) { q.maxRetries = n }
}

func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		notify:       make(chan struct{}, 1),
		now:          time.Now,
		maxRetries:   DefaultMaxRetries,
		retryDelay:   DefaultRetryDelay,
		pollInterval: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, env model.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.primary = append(q.primary, env)
	q.written++
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Defer(ctx context.Context, env model.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.retry = append(q.retry, deferred{env: env, notBefore: q.now().Add(q.retryDelay)})
	q.deferCount++
	return nil
}

// next pops the next ready envelope, first moving cooled-down retries onto
// the primary lane.
func (q *MemoryQueue) next() (model.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.retry[:0]
	for _, d := range q.retry {
		if d.notBefore.After(now) {
			kept = append(kept, d)
			continue
		}
		q.primary = append(q.primary, d.env)
		q.roundTrips++
	}
	q.retry = kept

	if len(q.primary) == 0 {
		return model.Envelope{}, false
	}
	env := q.primary[0]
	q.primary = q.primary[1:]
	return env, true
}

func (q *MemoryQueue) deliver(ctx context.Context, env model.Envelope, h Handler) {
	d := NewDelivery(env, LanePrimary, nil)
	_ = h(ctx, d)
	if !d.Acked() {
		q.mu.Lock()
		q.unacked = append(q.unacked, env)
		q.mu.Unlock()
	}
}

// Drain hands every ready envelope to h, including retries that cool down
// while draining, and returns how many deliveries were made.
func (q *MemoryQueue) Drain(ctx context.Context, h Handler) int {
	n := 0
	for ctx.Err() == nil {
		env, ok := q.next()
		if !ok {
			break
		}
		q.deliver(ctx, env, h)
		n++
	}
	return n
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.consumers++
	q.mu.Unlock()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		q.Drain(ctx, h)
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// Redeliver returns unacknowledged deliveries to the primary lane.
func (q *MemoryQueue) Redeliver() int {
	q.mu.Lock()
	n := len(q.unacked)
	q.primary = append(q.primary, q.unacked...)
	q.unacked = nil
	q.mu.Unlock()
	if n > 0 {
		q.signal()
	}
	return n
}

// RoundTrips returns how many deferred envelopes came back to the primary lane.
func (q *MemoryQueue) RoundTrips() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.roundTrips
}

// Pending returns the envelopes waiting on the primary lane.
func (q *MemoryQueue) Pending() []model.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.Envelope(nil), q.primary...)
}

func (q *MemoryQueue) Status(ctx context.Context) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Lanes: []LaneStatus{
			{Lane: LanePrimary, Name: "memory-primary", Written: q.written, Lag: int64(len(q.primary)), Consumers: q.consumers},
			{Lane: LaneRetry, Name: "memory-retry", Written: q.deferCount, Lag: int64(len(q.retry))},
		},
		MaxRetries: q.maxRetries,
		RetryDelay: q.retryDelay.String(),
	}, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
