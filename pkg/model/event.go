package model

import (
	"encoding/json"
	"time"
)

// Event names exchanged with websocket clients.
const (
	EventConnection      = "connection"
	EventUserOnline      = "user_online"
	EventUserOffline     = "user_offline"
	EventRoomJoined      = "room_joined"
	EventUserJoinedRoom  = "user_joined_room"
	EventUserLeftRoom    = "user_left_room"
	EventNewMessage      = "new_message"
	EventMessageSent     = "message_sent"
	EventUserTyping      = "user_typing"
	EventMessageReceived = "message_received"
	EventMessageRead     = "message_read"
	EventError           = "error"

	EventSystemMessage    = "system_message"
	EventPrivateMessage   = "private_message"
	EventBroadcastMessage = "broadcast_message"
)

// Inbound event names sent by websocket clients.
const (
	InJoinRoom        = "join_room"
	InLeaveRoom       = "leave_room"
	InSendMessage     = "send_message"
	InTyping          = "typing"
	InMessageReceived = "message_received"
	InMessageRead     = "message_read"
)

// Event is a named JSON payload pushed to a client.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

func NewEvent(name string, data any) Event {
	return Event{Name: name, Data: data}
}

// Inbound is a client-to-server frame. Data is decoded per event name.
type Inbound struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

type Scope string

const (
	ScopeRoom Scope = "room"
	ScopeUser Scope = "user"
	ScopeAll  Scope = "all"
)

// Broadcast addresses an event to a room, a user or every connection.
// Except names an identity that must not receive it. Source names the
// gateway that relayed it, so that gateway can skip its own copy.
type Broadcast struct {
	Scope  Scope  `json:"scope"`
	Target string `json:"target,omitempty"`
	Except string `json:"except,omitempty"`
	Source string `json:"source,omitempty"`
	Event  Event  `json:"event"`
}

func ToRoom(room string, ev Event) Broadcast {
	return Broadcast{Scope: ScopeRoom, Target: room, Event: ev}
}

func ToUser(userID string, ev Event) Broadcast {
	return Broadcast{Scope: ScopeUser, Target: userID, Event: ev}
}

func ToAll(ev Event) Broadcast {
	return Broadcast{Scope: ScopeAll, Event: ev}
}

// NewMessagePayload is the data of a new_message event.
type NewMessagePayload struct {
	ID             int64         `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName"`
	Sender         SenderInfo    `json:"sender"`
	Content        string        `json:"content"`
	ContentType    ContentType   `json:"messageType"`
	Status         MessageStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	CreatedAt      time.Time     `json:"createdAt"`
	Origin         string        `json:"origin,omitempty"`
}

// PresencePayload is the data of user_online / user_offline.
type PresencePayload struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomPayload is the data of room membership events.
type RoomPayload struct {
	UserID         string    `json:"userId,omitempty"`
	Username       string    `json:"username,omitempty"`
	ConversationID string    `json:"conversationId"`
	Success        bool      `json:"success,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// TypingPayload is the data of user_typing.
type TypingPayload struct {
	UserID         string `json:"userId"`
	Username       string `json:"username,omitempty"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// StatusPayload is the data of message_received / message_read.
type StatusPayload struct {
	MessageID      int64     `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Username       string    `json:"username,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConnectionPayload greets a freshly authenticated socket.
type ConnectionPayload struct {
	Success bool       `json:"success"`
	Message string     `json:"message"`
	User    SenderInfo `json:"user"`
}

// MessageSentPayload acknowledges a send_message to its sender.
type MessageSentPayload struct {
	Success   bool      `json:"success"`
	MessageID int64     `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// SendRequest is the data of an inbound send_message.
type SendRequest struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	MessageType    ContentType `json:"messageType,omitempty"`
}

// RoomRequest is the data of inbound join_room / leave_room.
type RoomRequest struct {
	ConversationID string `json:"conversationId"`
}

// TypingRequest is the data of an inbound typing event.
type TypingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// StatusRequest is the data of inbound message_received / message_read.
type StatusRequest struct {
	MessageID      int64  `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// ErrorPayload is the data of error events.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Request string `json:"request,omitempty"`
}

// NoticePayload is the data of operator-sent system, private and broadcast
// messages.
type NoticePayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}
