package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrSendTimeNotFuture = errors.New("send time must be in the future")
	ErrInvalidScheduled  = errors.New("invalid scheduled message")
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
)

// MaxScheduledContent is the longest content a scheduled message may carry.
const MaxScheduledContent = 2000

type RepeatPolicy string

const (
	RepeatNone    RepeatPolicy = "none"
	RepeatDaily   RepeatPolicy = "daily"
	RepeatWeekly  RepeatPolicy = "weekly"
	RepeatMonthly RepeatPolicy = "monthly"
)

func (r RepeatPolicy) Valid() bool {
	switch r {
	case RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly:
		return true
	}
	return false
}

// State is the delivery lifecycle position of a scheduled message.
type State string

const (
	StatePending State = "pending"
	StateQueued  State = "queued"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Terminal reports whether no further delivery transition is allowed.
func (s State) Terminal() bool {
	return s == StateSent || s == StateFailed
}

var transitions = map[State][]State{
	StatePending: {StateQueued, StateFailed},
	StateQueued:  {StateSent, StateFailed, StatePending},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ScheduledMessage is a chat message waiting for its send time.
type ScheduledMessage struct {
	ID             string       `json:"id" bson:"_id"`
	ConversationID string       `json:"conversation_id" bson:"conversation_id"`
	SenderID       string       `json:"sender_id" bson:"sender_id"`
	Content        string       `json:"content" bson:"content"`
	ContentType    ContentType  `json:"content_type" bson:"content_type"`
	SendTime       time.Time    `json:"send_time" bson:"send_time"`
	Repeat         RepeatPolicy `json:"repeat" bson:"repeat"`
	RepeatInterval int          `json:"repeat_interval,omitempty" bson:"repeat_interval,omitempty"`

	Queued       bool       `json:"queued" bson:"queued"`
	Sent         bool       `json:"sent" bson:"sent"`
	Failed       bool       `json:"failed" bson:"failed"`
	QueuedAt     *time.Time `json:"queued_at,omitempty" bson:"queued_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty" bson:"sent_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty" bson:"failed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty" bson:"error_message,omitempty"`
	MessageID    int64      `json:"message_id,omitempty" bson:"message_id,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// State derives the lifecycle position from the flags.
func (m *ScheduledMessage) State() State {
	switch {
	case m.Sent:
		return StateSent
	case m.Failed:
		return StateFailed
	case m.Queued:
		return StateQueued
	}
	return StatePending
}

// Consistent reports whether the flags describe a reachable state.
func (m *ScheduledMessage) Consistent() bool {
	return !(m.Sent && m.Failed)
}

// Due reports whether the scheduler should pick m up at now.
func (m *ScheduledMessage) Due(now time.Time) bool {
	return !m.SendTime.After(now) && m.State() == StatePending
}

// Validate checks a scheduled message before it is first stored.
func (m *ScheduledMessage) Validate(now time.Time) error {
	if m.ConversationID == "" || m.SenderID == "" {
		return fmt.Errorf("%w: conversation and sender are required", ErrInvalidScheduled)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidScheduled)
	}
	if utf8.RuneCountInString(m.Content) > MaxScheduledContent {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidScheduled, MaxScheduledContent)
	}
	if m.ContentType == "" {
		m.ContentType = ContentText
	}
	if !m.ContentType.Schedulable() {
		return fmt.Errorf("%w: unsupported content type %q", ErrInvalidScheduled, m.ContentType)
	}
	if m.Repeat == "" {
		m.Repeat = RepeatNone
	}
	if !m.Repeat.Valid() {
		return fmt.Errorf("%w: unsupported repeat policy %q", ErrInvalidScheduled, m.Repeat)
	}
	if m.RepeatInterval < 0 {
		return fmt.Errorf("%w: repeat interval must be positive", ErrInvalidScheduled)
	}
	if !m.SendTime.After(now) {
		return ErrSendTimeNotFuture
	}
	if m.Queued || m.Sent || m.Failed {
		return fmt.Errorf("%w: new records must be pending", ErrInvalidScheduled)
	}
	return nil
}

// Apply moves m to state to, stamping the matching timestamp.
// The caller is responsible for having checked the current state; sent and
// failed leave the queued flag as it was.
func (m *ScheduledMessage) Apply(to State, at time.Time, reason string) {
	switch to {
	case StatePending:
		m.Queued = false
		m.QueuedAt = nil
	case StateQueued:
		m.Queued = true
		m.QueuedAt = &at
	case StateSent:
		m.Sent = true
		m.SentAt = &at
	case StateFailed:
		m.Failed = true
		m.FailedAt = &at
		m.ErrorMessage = reason
	}
}

// Stats is an aggregate of scheduled-message lifecycle states.
type Stats struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Queued  int64 `json:"queued"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
}

// Count adds m to the aggregate. Pending only counts records that are due.
func (s *Stats) Count(m *ScheduledMessage, now time.Time) {
	s.Total++
	switch m.State() {
	case StatePending:
		if !m.SendTime.After(now) {
			s.Pending++
		}
	case StateQueued:
		s.Queued++
	case StateSent:
		s.Sent++
	case StateFailed:
		s.Failed++
	}
}
