package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mahaj/chat-dispatch/pkg/db"
	"github.com/mahaj/chat-dispatch/pkg/model"
)

const messageColumns = `conversation_id, id, sender_id, content, content_type, status, origin_source, origin_id, client_info, created_at`

type ScyllaMessages struct {
	db *db.Session
}

func NewScyllaMessages(session *db.Session) *ScyllaMessages {
	return &ScyllaMessages{db: session}
}

func (s *ScyllaMessages) Create(ctx context.Context, m *model.Message) error {
	query := `INSERT INTO messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if err := s.db.Query(query, m.ConversationID, m.ID, m.SenderID, m.Content, string(m.ContentType), string(m.Status),
		m.Origin.Source, m.Origin.ScheduledMessageID, m.Origin.ClientInfo, m.CreatedAt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// CreateOnce claims the origin id with a lightweight transaction before
// writing the message row. A lost claim adopts the id and timestamp already
// recorded for that origin and rewrites the same row, which repairs a crash
// between the claim and the insert without producing a second message.
func (s *ScyllaMessages) CreateOnce(ctx context.Context, m *model.Message) (bool, error) {
	origin := m.Origin.ScheduledMessageID
	if origin == "" {
		return false, fmt.Errorf("create once: message has no origin id")
	}

	existing := map[string]interface{}{}
	applied, err := s.db.Query(`INSERT INTO message_origins (origin_id, conversation_id, message_id, created_at)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`, origin, m.ConversationID, m.ID, m.CreatedAt).
		WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return false, fmt.Errorf("claim message origin %s: %w", origin, err)
	}
	if !applied {
		if id, ok := existing["message_id"].(int64); ok {
			m.ID = id
		}
		if ts, ok := existing["created_at"].(time.Time); ok {
			m.CreatedAt = ts
		}
		if prev, err := s.Get(ctx, m.ConversationID, m.ID); err == nil {
			*m = prev
			return false, nil
		}
	}
	if err := s.Create(ctx, m); err != nil {
		return false, err
	}
	return applied, nil
}

func (s *ScyllaMessages) Get(ctx context.Context, conversationID string, id int64) (model.Message, error) {
	iter := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, id).
		WithContext(ctx).Iter()
	var m model.Message
	found := scanMessage(iter.Scan, &m)
	if err := iter.Close(); err != nil {
		return model.Message{}, fmt.Errorf("get message: %w", err)
	}
	if !found {
		return model.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *ScyllaMessages) UpdateStatus(ctx context.Context, conversationID string, id int64, status model.MessageStatus) error {
	applied, err := s.db.Query(`UPDATE messages SET status = ? WHERE conversation_id = ? AND id = ? IF EXISTS`,
		string(status), conversationID, id).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if !applied {
		return ErrNotFound
	}
	return nil
}

func (s *ScyllaMessages) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	iter := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? LIMIT ?`, conversationID, limit).
		WithContext(ctx).Iter()

	var messages []model.Message
	for {
		var m model.Message
		if !scanMessage(iter.Scan, &m) {
			break
		}
		messages = append(messages, m)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("message history: %w", err)
	}
	return messages, nil
}

func scanMessage(scan func(...interface{}) bool, m *model.Message) bool {
	var contentType, status string
	if !scan(&m.ConversationID, &m.ID, &m.SenderID, &m.Content, &contentType, &status,
		&m.Origin.Source, &m.Origin.ScheduledMessageID, &m.Origin.ClientInfo, &m.CreatedAt) {
		return false
	}
	m.ContentType = model.ContentType(contentType)
	m.Status = model.MessageStatus(status)
	return true
}
