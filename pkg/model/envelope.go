package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidEnvelope = errors.New("invalid queue envelope")

// Envelope is the unit of work carried by the delivery queue.
type Envelope struct {
	ScheduledMessageID string      `json:"scheduled_message_id"`
	ConversationID     string      `json:"conversation_id"`
	SenderID           string      `json:"sender_id"`
	Content            string      `json:"content"`
	ContentType        ContentType `json:"content_type"`
	SendTime           time.Time   `json:"send_time"`
	RetryCount         int         `json:"retry_count"`
}

// NewEnvelope builds the first-attempt envelope for a scheduled message.
func NewEnvelope(m *ScheduledMessage) Envelope {
	return Envelope{
		ScheduledMessageID: m.ID,
		ConversationID:     m.ConversationID,
		SenderID:           m.SenderID,
		Content:            m.Content,
		ContentType:        m.ContentType,
		SendTime:           m.SendTime,
	}
}

// Next returns a copy of e for the following delivery attempt.
func (e Envelope) Next() Envelope {
	e.RetryCount++
	return e
}

func (e Envelope) Validate() error {
	switch {
	case e.ScheduledMessageID == "":
		return fmt.Errorf("%w: missing scheduled message id", ErrInvalidEnvelope)
	case e.ConversationID == "":
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEnvelope)
	case e.SenderID == "":
		return fmt.Errorf("%w: missing sender id", ErrInvalidEnvelope)
	case e.Content == "":
		return fmt.Errorf("%w: missing content", ErrInvalidEnvelope)
	case !e.ContentType.Valid():
		return fmt.Errorf("%w: content type %q", ErrInvalidEnvelope, e.ContentType)
	case e.RetryCount < 0:
		return fmt.Errorf("%w: negative retry count", ErrInvalidEnvelope)
	}
	return nil
}

func (e Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates an envelope read off the queue.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
