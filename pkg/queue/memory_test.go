package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mahaj/chat-dispatch/pkg/model"
)

func envelope(id string) model.Envelope {
	return model.Envelope{
		ScheduledMessageID: id,
		ConversationID:     "c1",
		SenderID:           "u1",
		Content:            "hello",
		ContentType:        model.ContentText,
		SendTime:           time.Unix(1700000000, 0).UTC(),
	}
}

func ackAll(ctx context.Context, d *Delivery) error { return d.Ack(ctx) }

func TestDeliveryAckIsIdempotent(t *testing.T) {
	calls := 0
	d := NewDelivery(envelope("s1"), LanePrimary, func(context.Context) error {
		calls++
		return nil
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := d.Ack(ctx); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("expected one broker ack, got %d", calls)
	}
	if !d.Acked() {
		t.Error("expected delivery to report acked")
	}

	failing := NewDelivery(envelope("s2"), LanePrimary, func(context.Context) error { return errors.New("broker down") })
	if err := failing.Ack(ctx); err == nil {
		t.Fatal("expected ack error")
	}
	if failing.Acked() {
		t.Error("failed ack must not report acked")
	}
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("fifo on primary lane", func(t *testing.T) {
		q := NewMemoryQueue()
		for _, id := range []string{"a", "b", "c"} {
			if err := q.Enqueue(ctx, envelope(id)); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
		var got []string
		n := q.Drain(ctx, func(ctx context.Context, d *Delivery) error {
			got = append(got, d.Envelope.ScheduledMessageID)
			return d.Ack(ctx)
		})
		if n != 3 {
			t.Errorf("expected 3 deliveries, got %d", n)
		}
		if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
			t.Errorf("order (-want +got):\n%s", diff)
		}
	})

	t.Run("rejects invalid envelopes", func(t *testing.T) {
		q := NewMemoryQueue()
		if err := q.Enqueue(ctx, model.Envelope{}); !errors.Is(err, model.ErrInvalidEnvelope) {
			t.Errorf("expected ErrInvalidEnvelope, got %v", err)
		}
	})

	t.Run("deferred envelopes wait for the delay", func(t *testing.T) {
		now := time.Unix(1700000000, 0)
		q := NewMemoryQueue(WithRetryDelay(5*time.Second), WithMemoryClock(func() time.Time { return now }))
		if err := q.Defer(ctx, envelope("s1").Next()); err != nil {
			t.Fatalf("Defer: %v", err)
		}
		if n := q.Drain(ctx, ackAll); n != 0 {
			t.Fatalf("retry delivered before its delay: %d", n)
		}
		now = now.Add(5 * time.Second)
		var retry int
		q.Drain(ctx, func(ctx context.Context, d *Delivery) error {
			retry = d.Envelope.RetryCount
			return d.Ack(ctx)
		})
		if retry != 1 {
			t.Errorf("expected retry count 1, got %d", retry)
		}
		if q.RoundTrips() != 1 {
			t.Errorf("expected one round trip, got %d", q.RoundTrips())
		}
	})

	t.Run("unacked deliveries are redelivered", func(t *testing.T) {
		q := NewMemoryQueue()
		_ = q.Enqueue(ctx, envelope("s1"))
		q.Drain(ctx, func(context.Context, *Delivery) error { return errors.New("crash") })
		if n := q.Drain(ctx, ackAll); n != 0 {
			t.Fatalf("unacked delivery handed out before redelivery: %d", n)
		}
		if n := q.Redeliver(); n != 1 {
			t.Fatalf("expected one redelivery, got %d", n)
		}
		if n := q.Drain(ctx, ackAll); n != 1 {
			t.Errorf("expected redelivered envelope, got %d deliveries", n)
		}
		if n := q.Redeliver(); n != 0 {
			t.Errorf("acked delivery must not come back, got %d", n)
		}
	})

	t.Run("closed queue", func(t *testing.T) {
		q := NewMemoryQueue()
		_ = q.Close()
		if err := q.Enqueue(ctx, envelope("s1")); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if err := q.Defer(ctx, envelope("s1")); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})

	t.Run("status", func(t *testing.T) {
		q := NewMemoryQueue(WithRetryDelay(time.Minute))
		_ = q.Enqueue(ctx, envelope("a"))
		_ = q.Defer(ctx, envelope("b"))
		st, err := q.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		want := Status{
			Lanes: []LaneStatus{
				{Lane: LanePrimary, Name: "memory-primary", Written: 1, Lag: 1},
				{Lane: LaneRetry, Name: "memory-retry", Written: 1, Lag: 1},
			},
			MaxRetries: DefaultMaxRetries,
			RetryDelay: "1m0s",
		}
		if diff := cmp.Diff(want, st); diff != "" {
			t.Errorf("status (-want +got):\n%s", diff)
		}
	})

	t.Run("consume stops on cancel", func(t *testing.T) {
		q := NewMemoryQueue()
		ctx, cancel := context.WithCancel(context.Background())
		got := make(chan string, 1)
		done := make(chan error, 1)
		go func() {
			done <- q.Consume(ctx, func(ctx context.Context, d *Delivery) error {
				got <- d.Envelope.ScheduledMessageID
				return d.Ack(ctx)
			})
		}()
		_ = q.Enqueue(context.Background(), envelope("s1"))
		select {
		case id := <-got:
			if id != "s1" {
				t.Errorf("expected s1, got %s", id)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("delivery not consumed")
		}
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Consume returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Consume did not return after cancel")
		}
	})
}

func TestHeaderLookup(t *testing.T) {
	msg, err := record(envelope("s1").Next(), nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	v, ok := header(msg, headerRetryCount)
	if !ok || v != "1" {
		t.Errorf("expected retry header 1, got %q %v", v, ok)
	}
	if string(msg.Key) != "s1" {
		t.Errorf("expected key s1, got %s", msg.Key)
	}
	if _, ok := header(msg, headerNotBefore); ok {
		t.Error("primary record must not carry a not-before header")
	}
}
