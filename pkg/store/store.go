// Package store defines the durable collaborators of the delivery pipeline
// and their Scylla, Mongo and in-memory implementations.
//
// Every lifecycle-flag change on a scheduled message is a single conditional
// update keyed by id, so concurrent schedulers and workers never lose updates.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mahaj/chat-dispatch/pkg/model"
)

var ErrNotFound = errors.New("not found")

// DueSource yields scheduled messages whose send time has arrived and that
// have not entered the queue yet.
type DueSource interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error)
}

// Transition describes one conditional lifecycle update.
type Transition struct {
	From      model.State
	To        model.State
	At        time.Time
	Reason    string // error text, for transitions to failed
	MessageID int64  // persisted message, for transitions to sent
}

// ScheduledStore is the scheduled-message collaborator.
type ScheduledStore interface {
	DueSource

	Create(ctx context.Context, m *model.ScheduledMessage) error
	Get(ctx context.Context, id string) (model.ScheduledMessage, error)

	// Transition applies t only if the record is currently in t.From.
	// It reports false, without error, when the record is in another state.
	Transition(ctx context.Context, id string, t Transition) (bool, error)

	Stats(ctx context.Context, now time.Time) (model.Stats, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error

	// CreateOnce stores m keyed by m.Origin.ScheduledMessageID. When a message
	// already exists for that origin, m is replaced by the stored one and
	// created is false.
	CreateOnce(ctx context.Context, m *model.Message) (created bool, err error)

	Get(ctx context.Context, conversationID string, id int64) (model.Message, error)
	UpdateStatus(ctx context.Context, conversationID string, id int64, status model.MessageStatus) error
	History(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// ConversationStore reads conversations and maintains their summaries.
type ConversationStore interface {
	Create(ctx context.Context, c *model.Conversation) error
	GetByID(ctx context.Context, id string) (model.Conversation, error)

	// UpdateLastMessage caches the summary, bumps updated_at and refreshes
	// the participants' conversation index and unread counters.
	UpdateLastMessage(ctx context.Context, id string, last model.LastMessage) error

	ListForUser(ctx context.Context, userID string) ([]model.UserConversation, error)
	ResetUnread(ctx context.Context, userID, conversationID string) error
}

// UserDirectory resolves sender display information.
type UserDirectory interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id string) (model.User, error)
}

func checkTransition(t Transition) error {
	if !model.CanTransition(t.From, t.To) {
		return model.ErrIllegalTransition
	}
	return nil
}
