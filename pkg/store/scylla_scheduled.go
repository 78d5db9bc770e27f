package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/mahaj/chat-dispatch/pkg/db"
	"github.com/mahaj/chat-dispatch/pkg/model"
)

const scheduledColumns = `id, conversation_id, sender_id, content, content_type, send_time, repeat, repeat_interval,
	queued, sent, failed, queued_at, sent_at, failed_at, error_message, message_id, created_at`

// ScyllaScheduled stores scheduled messages in ScyllaDB. Lifecycle changes
// are lightweight transactions guarded by the current flags.
type ScyllaScheduled struct {
	db  *db.Session
	now func() time.Time
}

func NewScyllaScheduled(session *db.Session) *ScyllaScheduled {
	return &ScyllaScheduled{db: session, now: time.Now}
}

func (s *ScyllaScheduled) Create(ctx context.Context, m *model.ScheduledMessage) error {
	now := s.now()
	if err := m.Validate(now); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	query := `INSERT INTO scheduled_messages (id, conversation_id, sender_id, content, content_type, send_time, repeat,
		repeat_interval, queued, sent, failed, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, false, false, false, ?) IF NOT EXISTS`
	applied, err := s.db.Query(query, m.ID, m.ConversationID, m.SenderID, m.Content, string(m.ContentType),
		m.SendTime, string(m.Repeat), m.RepeatInterval, m.CreatedAt).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	if !applied {
		return fmt.Errorf("scheduled message %s already exists", m.ID)
	}
	return nil
}

func (s *ScyllaScheduled) Get(ctx context.Context, id string) (model.ScheduledMessage, error) {
	iter := s.db.Query(`SELECT `+scheduledColumns+` FROM scheduled_messages WHERE id = ?`, id).WithContext(ctx).Iter()
	var (
		m     model.ScheduledMessage
		found bool
	)
	if scanScheduled(iter, &m) {
		found = true
	}
	if err := iter.Close(); err != nil {
		return model.ScheduledMessage{}, fmt.Errorf("get scheduled message: %w", err)
	}
	if !found {
		return model.ScheduledMessage{}, ErrNotFound
	}
	return m, nil
}

// FindDue filters on non-key columns. The pending set is expected to stay
// small relative to the table since terminal rows are never selected again.
func (s *ScyllaScheduled) FindDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_messages
		WHERE queued = false AND sent = false AND failed = false AND send_time <= ? LIMIT ? ALLOW FILTERING`
	iter := s.db.Query(query, now, limit).WithContext(ctx).Iter()

	var out []model.ScheduledMessage
	for {
		var m model.ScheduledMessage
		if !scanScheduled(iter, &m) {
			break
		}
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("find due scheduled messages: %w", err)
	}
	return out, nil
}

func (s *ScyllaScheduled) Transition(ctx context.Context, id string, t Transition) (bool, error) {
	if err := checkTransition(t); err != nil {
		return false, err
	}

	var (
		set  string
		args []interface{}
	)
	switch t.To {
	case model.StatePending:
		set = "queued = false, queued_at = null"
	case model.StateQueued:
		set, args = "queued = true, queued_at = ?", []interface{}{t.At}
	case model.StateSent:
		set, args = "sent = true, sent_at = ?, message_id = ?", []interface{}{t.At, t.MessageID}
	case model.StateFailed:
		set, args = "failed = true, failed_at = ?, error_message = ?", []interface{}{t.At, t.Reason}
	}
	args = append(args, id, t.From == model.StateQueued)

	query := `UPDATE scheduled_messages SET ` + set + ` WHERE id = ? IF queued = ? AND sent = false AND failed = false`
	applied, err := s.db.Query(query, args...).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", id, t.From, t.To, err)
	}
	if !applied {
		// A conditional update against a missing row is not applied either.
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return false, ErrNotFound
		}
	}
	return applied, nil
}

func (s *ScyllaScheduled) Stats(ctx context.Context, now time.Time) (model.Stats, error) {
	iter := s.db.Query(`SELECT queued, sent, failed, send_time FROM scheduled_messages`).WithContext(ctx).Iter()

	var (
		st model.Stats
		m  model.ScheduledMessage
	)
	for iter.Scan(&m.Queued, &m.Sent, &m.Failed, &m.SendTime) {
		st.Count(&m, now)
	}
	if err := iter.Close(); err != nil {
		return model.Stats{}, fmt.Errorf("scheduled message stats: %w", err)
	}
	return st, nil
}

func scanScheduled(iter *gocql.Iter, m *model.ScheduledMessage) bool {
	var (
		contentType, repeat        string
		queuedAt, sentAt, failedAt time.Time
	)
	ok := iter.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &contentType, &m.SendTime, &repeat,
		&m.RepeatInterval, &m.Queued, &m.Sent, &m.Failed, &queuedAt, &sentAt, &failedAt, &m.ErrorMessage,
		&m.MessageID, &m.CreatedAt)
	if !ok {
		return false
	}
	m.ContentType = model.ContentType(contentType)
	m.Repeat = model.RepeatPolicy(repeat)
	m.QueuedAt = optionalTime(queuedAt)
	m.SentAt = optionalTime(sentAt)
	m.FailedAt = optionalTime(failedAt)
	return true
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
