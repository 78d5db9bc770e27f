package model

import "time"

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentFile     ContentType = "file"
	ContentAudio    ContentType = "audio"
	ContentVideo    ContentType = "video"
	ContentLocation ContentType = "location"
	ContentSystem   ContentType = "system"
)

// Schedulable reports whether a scheduled message may carry this content type.
func (t ContentType) Schedulable() bool {
	switch t {
	case ContentText, ContentImage, ContentFile, ContentAudio, ContentVideo:
		return true
	}
	return false
}

// Valid reports whether t may appear on a persisted message.
func (t ContentType) Valid() bool {
	return t.Schedulable() || t == ContentLocation || t == ContentSystem
}

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) Valid() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

const (
	OriginScheduled = "scheduled_message"
	OriginSocket    = "socket"
)

// Origin records where a persisted message came from.
type Origin struct {
	Source             string `json:"source"`
	ScheduledMessageID string `json:"scheduled_message_id,omitempty"`
	ClientInfo         string `json:"client_info,omitempty"`
}

type Message struct {
	ID             int64         `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	ContentType    ContentType   `json:"content_type"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	Origin         Origin        `json:"origin"`
}

// previewLimit bounds the conversation's cached last-message text.
const previewLimit = 100

// Preview truncates content for the conversation summary.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLimit {
		return content
	}
	return string(r[:previewLimit]) + "..."
}
