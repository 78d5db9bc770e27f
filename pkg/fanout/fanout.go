// Package fanout relays broadcasts between gateway instances over a Kafka
// topic. Every gateway reads the whole topic with its own consumer group.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/chat-dispatch/pkg/metrics"
	"github.com/mahaj/chat-dispatch/pkg/model"
)

// batchTimeout caps how long a single broadcast waits for its batch.
const batchTimeout = 5 * time.Millisecond

// Publisher writes broadcasts to the fanout topic.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}}
}

func (p *Publisher) Publish(ctx context.Context, b model.Broadcast) error {
	value, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(b.Target),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		metrics.Fanout.WithLabelValues("out", "error").Inc()
		return fmt.Errorf("publish %s: %w", b.Event.Name, err)
	}
	metrics.Fanout.WithLabelValues("out", "ok").Inc()
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Deliverer receives broadcasts read from the topic.
type Deliverer interface {
	Deliver(b model.Broadcast)
}

// Subscriber feeds every broadcast written after it started to a Deliverer.
type Subscriber struct {
	reader *kafka.Reader
	target Deliverer
	log    zerolog.Logger
}

// NewSubscriber joins a consumer group unique to this process so the
// gateway sees every broadcast, starting from the newest offset.
func NewSubscriber(brokers []string, topic string, target Deliverer, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     "gateway-" + uuid.NewString(),
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			MaxWait:     250 * time.Millisecond,
		}),
		target: target,
		log:    log,
	}
}

// Run reads until ctx is cancelled or the reader is closed.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			s.log.Error().Err(err).Msg("fanout read failed, retrying in 1s")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		s.handle(m.Value)
	}
}

func (s *Subscriber) handle(value []byte) {
	var b model.Broadcast
	if err := json.Unmarshal(value, &b); err != nil || b.Event.Name == "" {
		s.log.Warn().Err(err).Msg("dropping undecodable broadcast")
		metrics.Fanout.WithLabelValues("in", "poison").Inc()
		return
	}
	metrics.Fanout.WithLabelValues("in", "ok").Inc()
	s.target.Deliver(b)
}

func (s *Subscriber) Close() error {
	return s.reader.Close()
}
