package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/chat-dispatch/pkg/metrics"
	"github.com/mahaj/chat-dispatch/pkg/model"
)

const (
	headerRetryCount = "x-retry-count"
	headerNotBefore  = "x-not-before"

	// redeliverDelay paces re-handing an unacknowledged record to the handler.
	redeliverDelay = time.Second

	// writeBatchTimeout caps how long a single enqueue waits for its batch
	// to fill. Writes are one message at a time.
	writeBatchTimeout = 5 * time.Millisecond
)

type KafkaConfig struct {
	Brokers      []string
	PrimaryTopic string
	RetryTopic   string
	Group        string // worker consumer group on the primary lane
	RetryGroup   string // mover consumer group on the delayed lane
	Consumers    int
	MaxRetries   int
	RetryDelay   time.Duration
}

// KafkaQueue implements Queue on two Kafka topics.
type KafkaQueue struct {
	cfg     KafkaConfig
	log     zerolog.Logger
	primary *kafka.Writer
	retry   *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	mover   *kafka.Reader
	closed  bool

	primaryWritten atomic.Int64
	retryWritten   atomic.Int64
}

func NewKafkaQueue(cfg KafkaConfig, log zerolog.Logger) *KafkaQueue {
	if cfg.Consumers < 1 {
		cfg.Consumers = 1
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &KafkaQueue{
		cfg:     cfg,
		log:     log,
		primary: newWriter(cfg.Brokers, cfg.PrimaryTopic),
		retry:   newWriter(cfg.Brokers, cfg.RetryTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           writeBatchTimeout,
		AllowAutoTopicCreation: true,
	}
}

func newReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
}

func (q *KafkaQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *KafkaQueue) Enqueue(ctx context.Context, env model.Envelope) error {
	if q.isClosed() {
		return ErrClosed
	}
	msg, err := record(env, nil)
	if err != nil {
		return err
	}
	if err := q.primary.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.ScheduledMessageID, err)
	}
	q.primaryWritten.Add(1)
	metrics.QueueWrites.WithLabelValues(string(LanePrimary)).Inc()
	return nil
}

func (q *KafkaQueue) Defer(ctx context.Context, env model.Envelope) error {
	if q.isClosed() {
		return ErrClosed
	}
	notBefore := time.Now().Add(q.cfg.RetryDelay)
	msg, err := record(env, []kafka.Header{{Key: headerNotBefore, Value: []byte(strconv.FormatInt(notBefore.UnixMilli(), 10))}})
	if err != nil {
		return err
	}
	if err := q.retry.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("defer %s: %w", env.ScheduledMessageID, err)
	}
	q.retryWritten.Add(1)
	metrics.QueueWrites.WithLabelValues(string(LaneRetry)).Inc()
	return nil
}

func record(env model.Envelope, extra []kafka.Header) (kafka.Message, error) {
	value, err := env.Encode()
	if err != nil {
		return kafka.Message{}, err
	}
	headers := append([]kafka.Header{{Key: headerRetryCount, Value: []byte(strconv.Itoa(env.RetryCount))}}, extra...)
	return kafka.Message{
		Key:     []byte(env.ScheduledMessageID),
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	}, nil
}

func header(m kafka.Message, key string) (string, bool) {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// Consume starts the configured number of group members on the primary lane
// plus the retry mover, and blocks until ctx is cancelled.
func (q *KafkaQueue) Consume(ctx context.Context, h Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	readers := make([]*kafka.Reader, q.cfg.Consumers)
	for i := range readers {
		readers[i] = newReader(q.cfg.Brokers, q.cfg.PrimaryTopic, q.cfg.Group)
	}
	q.readers = append(q.readers, readers...)
	mover := newReader(q.cfg.Brokers, q.cfg.RetryTopic, q.cfg.RetryGroup)
	q.mover = mover
	q.mu.Unlock()

	var wg sync.WaitGroup
	for i, r := range readers {
		wg.Add(1)
		go func(id int, r *kafka.Reader) {
			defer wg.Done()
			q.consumeLoop(ctx, r, h, q.log.With().Int("consumer", id).Logger())
		}(i, r)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.moveLoop(ctx, mover)
	}()

	q.log.Info().Int("consumers", len(readers)).Str("topic", q.cfg.PrimaryTopic).Msg("queue consumers started")
	wg.Wait()
	return nil
}

func (q *KafkaQueue) consumeLoop(ctx context.Context, r *kafka.Reader, h Handler, log zerolog.Logger) {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			log.Error().Err(err).Msg("fetch failed, retrying in 1s")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		env, err := model.DecodeEnvelope(m.Value)
		if err != nil {
			log.Error().Err(err).Int64("offset", m.Offset).Msg("dropping undecodable record")
			metrics.QueuePoison.WithLabelValues(string(LanePrimary)).Inc()
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Error().Err(err).Msg("commit poison record failed")
			}
			continue
		}

		d := NewDelivery(env, LanePrimary, func(ctx context.Context) error {
			return r.CommitMessages(ctx, m)
		})
		// The offset is not committed until Ack, so the same record is
		// handed out again until the handler acknowledges it.
		for {
			if err := h(ctx, d); err != nil {
				log.Warn().Err(err).Str("scheduled_message_id", env.ScheduledMessageID).Msg("handler error")
			}
			if d.Acked() || !sleep(ctx, redeliverDelay) {
				break
			}
			d = NewDelivery(env, LanePrimary, d.ack)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// moveLoop returns delayed envelopes to the primary lane once their
// cool-down has passed.
func (q *KafkaQueue) moveLoop(ctx context.Context, r *kafka.Reader) {
	log := q.log.With().Str("lane", string(LaneRetry)).Logger()
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			log.Error().Err(err).Msg("fetch failed, retrying in 1s")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		env, err := model.DecodeEnvelope(m.Value)
		if err != nil {
			log.Error().Err(err).Int64("offset", m.Offset).Msg("dropping undecodable record")
			metrics.QueuePoison.WithLabelValues(string(LaneRetry)).Inc()
			_ = r.CommitMessages(ctx, m)
			continue
		}

		if v, ok := header(m, headerNotBefore); ok {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				if !sleep(ctx, time.Until(time.UnixMilli(ms))) {
					return
				}
			}
		}

		for {
			err := q.Enqueue(ctx, env)
			if err == nil {
				break
			}
			if errors.Is(err, ErrClosed) {
				return
			}
			log.Error().Err(err).Str("scheduled_message_id", env.ScheduledMessageID).Msg("move to primary failed")
			if !sleep(ctx, redeliverDelay) {
				return
			}
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Error().Err(err).Msg("commit moved record failed")
		}
		log.Debug().Str("scheduled_message_id", env.ScheduledMessageID).Int("retry_count", env.RetryCount).Msg("retry moved to primary")
	}
}

func (q *KafkaQueue) Status(ctx context.Context) (Status, error) {
	q.mu.Lock()
	var primaryLag int64
	for _, r := range q.readers {
		primaryLag += r.Stats().Lag
	}
	var retryLag int64
	movers := 0
	if q.mover != nil {
		retryLag = q.mover.Stats().Lag
		movers = 1
	}
	consumers := len(q.readers)
	q.mu.Unlock()

	return Status{
		Lanes: []LaneStatus{
			{Lane: LanePrimary, Name: q.cfg.PrimaryTopic, Written: q.primaryWritten.Load(), Lag: primaryLag, Consumers: consumers},
			{Lane: LaneRetry, Name: q.cfg.RetryTopic, Written: q.retryWritten.Load(), Lag: retryLag, Consumers: movers},
		},
		MaxRetries: q.cfg.MaxRetries,
		RetryDelay: q.cfg.RetryDelay.String(),
	}, nil
}

func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	readers := q.readers
	mover := q.mover
	q.mu.Unlock()

	var errs []error
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	if mover != nil {
		errs = append(errs, mover.Close())
	}
	errs = append(errs, q.primary.Close(), q.retry.Close())
	return errors.Join(errs...)
}

// sleep waits for d or ctx, reporting false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
