// Package worker applies queued envelopes: it posts the scheduled message
// into its conversation, records the outcome on the scheduled record and
// announces the new message to the conversation room.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/metrics"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/queue"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

const reasonConversationMissing = "conversation not found"

// Publisher pushes an event towards connected clients.
type Publisher interface {
	Publish(ctx context.Context, b model.Broadcast) error
}

type Option func(*Worker)

func WithMaxRetries(n int) Option {
	return func(w *Worker) {
		if n >= 0 {
			w.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

type Worker struct {
	scheduled  store.ScheduledStore
	chat       *chat.Service
	retry      queue.Deferrer
	pub        Publisher
	log        zerolog.Logger
	maxRetries int
	now        func() time.Time
}

func New(scheduled store.ScheduledStore, svc *chat.Service, retry queue.Deferrer, pub Publisher, log zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		scheduled:  scheduled,
		chat:       svc,
		retry:      retry,
		pub:        pub,
		log:        log,
		maxRetries: queue.DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes deliveries until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, c queue.Consumer) error {
	w.log.Info().Int("max_retries", w.maxRetries).Msg("delivery worker started")
	return c.Consume(ctx, w.Handle)
}

// Handle applies one delivery. It returns an error only when the delivery
// was left unacknowledged and must be handed out again.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) error {
	start := time.Now()
	defer func() { metrics.DeliveryDuration.Observe(time.Since(start).Seconds()) }()

	env := d.Envelope
	log := w.log.With().
		Str("scheduled_message_id", env.ScheduledMessageID).
		Str("conversation_id", env.ConversationID).
		Int("retry_count", env.RetryCount).
		Logger()

	rec, err := w.scheduled.Get(ctx, env.ScheduledMessageID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("scheduled record missing, dropping envelope")
		metrics.Deliveries.WithLabelValues("dropped").Inc()
		return d.Ack(ctx)
	}
	if err != nil {
		return w.retryOrFail(ctx, d, fmt.Errorf("load scheduled record: %w", err), log)
	}
	if rec.State().Terminal() {
		log.Debug().Str("state", string(rec.State())).Msg("already resolved, acknowledging redelivery")
		metrics.Deliveries.WithLabelValues("duplicate").Inc()
		return d.Ack(ctx)
	}

	conv, err := w.chat.Conversation(ctx, env.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		// Retrying cannot make the conversation appear.
		if err := w.markFailed(ctx, env, reasonConversationMissing); err != nil {
			return err
		}
		log.Warn().Msg("conversation missing, marked failed")
		return d.Ack(ctx)
	}
	if err != nil {
		return w.retryOrFail(ctx, d, fmt.Errorf("load conversation: %w", err), log)
	}

	posted, err := w.chat.Post(ctx, conv, chat.Post{
		SenderID:    env.SenderID,
		Content:     env.Content,
		ContentType: env.ContentType,
		Origin:      model.Origin{Source: model.OriginScheduled, ScheduledMessageID: env.ScheduledMessageID},
	})
	if err != nil {
		return w.retryOrFail(ctx, d, err, log)
	}

	sent, err := w.scheduled.Transition(ctx, env.ScheduledMessageID, store.Transition{
		From:      model.StateQueued,
		To:        model.StateSent,
		At:        w.now(),
		MessageID: posted.Message.ID,
	})
	if err != nil {
		return w.retryOrFail(ctx, d, fmt.Errorf("mark sent: %w", err), log)
	}
	if !sent {
		log.Warn().Msg("record left the queued state concurrently, not announcing")
		metrics.Deliveries.WithLabelValues("duplicate").Inc()
		return d.Ack(ctx)
	}

	// The record is already sent, so a failed announcement is not retried.
	ev := model.NewEvent(model.EventNewMessage, posted.Payload)
	if err := w.pub.Publish(ctx, model.ToRoom(conv.ID, ev)); err != nil {
		log.Error().Err(err).Msg("announce new message failed")
	}

	metrics.Deliveries.WithLabelValues("sent").Inc()
	log.Info().Int64("message_id", posted.Message.ID).Msg("scheduled message delivered")
	return d.Ack(ctx)
}

func (w *Worker) retryOrFail(ctx context.Context, d *queue.Delivery, cause error, log zerolog.Logger) error {
	env := d.Envelope
	if env.RetryCount < w.maxRetries {
		if err := w.retry.Defer(ctx, env.Next()); err != nil {
			log.Error().Err(err).AnErr("cause", cause).Msg("defer retry failed, leaving unacknowledged")
			return fmt.Errorf("defer retry: %w", err)
		}
		metrics.Deliveries.WithLabelValues("retried").Inc()
		log.Warn().Err(cause).Msg("delivery failed, retry deferred")
		return d.Ack(ctx)
	}

	if err := w.markFailed(ctx, env, cause.Error()); err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("mark failed did not persist, leaving unacknowledged")
		return err
	}
	log.Error().Err(cause).Msg("retries exhausted, marked failed")
	return d.Ack(ctx)
}

func (w *Worker) markFailed(ctx context.Context, env model.Envelope, reason string) error {
	_, err := w.scheduled.Transition(ctx, env.ScheduledMessageID, store.Transition{
		From:   model.StateQueued,
		To:     model.StateFailed,
		At:     w.now(),
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	metrics.Deliveries.WithLabelValues("failed").Inc()
	return nil
}
