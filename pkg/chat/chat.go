// Package chat posts messages into conversations. Both the delivery worker
// and the websocket hub go through it, so a scheduled message and a live one
// are stored and summarised the same way.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/snowflake"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

var (
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrEmptyContent   = errors.New("message content is empty")
)

// Post is a message about to be written into a conversation.
type Post struct {
	SenderID    string
	Content     string
	ContentType model.ContentType
	Origin      model.Origin
}

// Posted is the outcome of a Post. Created is false when the post replayed
// an origin that was already stored.
type Posted struct {
	Message model.Message
	Payload model.NewMessagePayload
	Created bool
}

type Service struct {
	messages store.MessageStore
	convs    store.ConversationStore
	users    store.UserDirectory
	ids      *snowflake.Node
	now      func() time.Time
}

func NewService(messages store.MessageStore, convs store.ConversationStore, users store.UserDirectory, ids *snowflake.Node) *Service {
	return &Service{messages: messages, convs: convs, users: users, ids: ids, now: time.Now}
}

// Conversation loads a conversation without checking membership.
func (s *Service) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	return s.convs.GetByID(ctx, id)
}

// Authorize loads the conversation and checks userID belongs to it.
func (s *Service) Authorize(ctx context.Context, conversationID, userID string) (model.Conversation, error) {
	c, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	if !c.HasParticipant(userID) {
		return model.Conversation{}, ErrNotParticipant
	}
	return c, nil
}

// Post stores a message in conv, refreshes the conversation summary and
// builds the new_message payload. Posts carrying a scheduled-message origin
// are stored at most once per origin.
func (s *Service) Post(ctx context.Context, conv model.Conversation, p Post) (Posted, error) {
	if strings.TrimSpace(p.Content) == "" {
		return Posted{}, ErrEmptyContent
	}
	if p.ContentType == "" {
		p.ContentType = model.ContentText
	}
	if !p.ContentType.Valid() {
		return Posted{}, fmt.Errorf("unsupported content type %q", p.ContentType)
	}

	msg := model.Message{
		ID:             s.ids.Generate(),
		ConversationID: conv.ID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		ContentType:    p.ContentType,
		Status:         model.StatusSent,
		CreatedAt:      s.now(),
		Origin:         p.Origin,
	}

	created := true
	if p.Origin.ScheduledMessageID != "" {
		var err error
		if created, err = s.messages.CreateOnce(ctx, &msg); err != nil {
			return Posted{}, fmt.Errorf("store message: %w", err)
		}
	} else if err := s.messages.Create(ctx, &msg); err != nil {
		return Posted{}, fmt.Errorf("store message: %w", err)
	}

	summarise := created
	if !created {
		var err error
		if summarise, err = s.summaryBehind(ctx, conv.ID, msg); err != nil {
			return Posted{}, err
		}
	}
	if summarise {
		last := model.LastMessage{Content: msg.Content, SenderID: msg.SenderID, Timestamp: msg.CreatedAt}
		if err := s.convs.UpdateLastMessage(ctx, conv.ID, last); err != nil {
			return Posted{}, fmt.Errorf("update conversation summary: %w", err)
		}
	}

	sender := s.senderInfo(ctx, msg.SenderID)
	return Posted{Message: msg, Payload: Payload(msg, sender), Created: created}, nil
}

// summaryBehind reports whether the stored summary predates m. A replayed
// origin whose earlier attempt stored the message but failed to summarise
// it still has to bump the summary and unread counters.
func (s *Service) summaryBehind(ctx context.Context, conversationID string, m model.Message) (bool, error) {
	c, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("load conversation summary: %w", err)
	}
	return c.LastMessage == nil || c.LastMessage.Timestamp.Before(m.CreatedAt), nil
}

// UpdateStatus records a delivery receipt on a stored message.
func (s *Service) UpdateStatus(ctx context.Context, conversationID string, messageID int64, status model.MessageStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unsupported message status %q", status)
	}
	return s.messages.UpdateStatus(ctx, conversationID, messageID, status)
}

func (s *Service) senderInfo(ctx context.Context, userID string) model.SenderInfo {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return model.SenderInfo{ID: userID, Username: userID}
	}
	return u.SenderInfo()
}

// Payload builds the new_message data for a stored message.
func Payload(m model.Message, sender model.SenderInfo) model.NewMessagePayload {
	name := sender.DisplayName
	if name == "" {
		name = sender.Username
	}
	return model.NewMessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     name,
		Sender:         sender,
		Content:        m.Content,
		ContentType:    m.ContentType,
		Status:         m.Status,
		Timestamp:      m.CreatedAt,
		CreatedAt:      m.CreatedAt,
		Origin:         m.Origin.Source,
	}
}
