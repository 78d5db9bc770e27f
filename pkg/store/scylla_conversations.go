package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/chat-dispatch/pkg/db"
	"github.com/mahaj/chat-dispatch/pkg/model"
)

type ScyllaConversations struct {
	db *db.Session
}

func NewScyllaConversations(session *db.Session) *ScyllaConversations {
	return &ScyllaConversations{db: session}
}

func (s *ScyllaConversations) Create(ctx context.Context, c *model.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = model.ConversationDirect
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
		c.UpdatedAt = c.CreatedAt
	}
	query := `INSERT INTO conversations (id, name, type, participants, creator_id, updated_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if err := s.db.Query(query, c.ID, c.Name, string(c.Type), c.Participants, c.CreatorID, c.UpdatedAt, c.CreatedAt).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *ScyllaConversations) GetByID(ctx context.Context, id string) (model.Conversation, error) {
	query := `SELECT id, name, type, participants, creator_id, last_message_content, last_message_sender, last_message_at,
		updated_at, created_at FROM conversations WHERE id = ?`
	iter := s.db.Query(query, id).WithContext(ctx).Iter()

	var (
		c                     model.Conversation
		convType, lastContent string
		lastSender            string
		lastAt                time.Time
	)
	found := iter.Scan(&c.ID, &c.Name, &convType, &c.Participants, &c.CreatorID, &lastContent, &lastSender, &lastAt,
		&c.UpdatedAt, &c.CreatedAt)
	if err := iter.Close(); err != nil {
		return model.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if !found {
		return model.Conversation{}, ErrNotFound
	}
	c.Type = model.ConversationType(convType)
	if !lastAt.IsZero() {
		c.LastMessage = &model.LastMessage{Content: lastContent, SenderID: lastSender, Timestamp: lastAt}
	}
	return c, nil
}

// UpdateLastMessage writes the summary, then maintains each participant's
// conversation index and the unread counters of everyone but the sender.
func (s *ScyllaConversations) UpdateLastMessage(ctx context.Context, id string, last model.LastMessage) error {
	c, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	query := `UPDATE conversations SET last_message_content = ?, last_message_sender = ?, last_message_at = ?, updated_at = ? WHERE id = ?`
	if err := s.db.Query(query, model.Preview(last.Content), last.SenderID, last.Timestamp, last.Timestamp, id).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("update conversation summary: %w", err)
	}

	for _, p := range c.Participants {
		if err := s.db.Query(`INSERT INTO user_conversations (user_id, conversation_id, last_updated) VALUES (?, ?, ?)`,
			p, id, last.Timestamp).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("update conversation index for %s: %w", p, err)
		}
		if p == last.SenderID {
			continue
		}
		if err := s.db.Query(`UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE user_id = ? AND conversation_id = ?`,
			p, id).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("increment unread count for %s: %w", p, err)
		}
	}
	return nil
}

func (s *ScyllaConversations) ListForUser(ctx context.Context, userID string) ([]model.UserConversation, error) {
	iter := s.db.Query(`SELECT user_id, conversation_id, last_updated FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()

	var (
		out []model.UserConversation
		c   model.UserConversation
	)
	for iter.Scan(&c.UserID, &c.ConversationID, &c.LastUpdated) {
		out = append(out, c)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	for i := range out {
		var count int64
		if err := s.db.Query(`SELECT unread_count FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`,
			userID, out[i].ConversationID).WithContext(ctx).Scan(&count); err == nil {
			out[i].UnreadCount = count
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out, nil
}

// ResetUnread deletes the counter row; deletion is how Scylla counters reset.
func (s *ScyllaConversations) ResetUnread(ctx context.Context, userID, conversationID string) error {
	if err := s.db.Query(`DELETE FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("reset unread count: %w", err)
	}
	return nil
}

type ScyllaUsers struct {
	db *db.Session
}

func NewScyllaUsers(session *db.Session) *ScyllaUsers {
	return &ScyllaUsers{db: session}
}

func (s *ScyllaUsers) Create(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	query := `INSERT INTO users (id, username, first_name, last_name, display_name, active) VALUES (?, ?, ?, ?, ?, ?)`
	if err := s.db.Query(query, u.ID, u.Username, u.FirstName, u.LastName, u.DisplayName, u.Active).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *ScyllaUsers) GetByID(ctx context.Context, id string) (model.User, error) {
	iter := s.db.Query(`SELECT id, username, first_name, last_name, display_name, active FROM users WHERE id = ?`, id).
		WithContext(ctx).Iter()
	var u model.User
	found := iter.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.DisplayName, &u.Active)
	if err := iter.Close(); err != nil {
		return model.User{}, fmt.Errorf("get user: %w", err)
	}
	if !found {
		return model.User{}, ErrNotFound
	}
	return u, nil
}
