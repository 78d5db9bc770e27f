package model

import "time"

type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationGroup   ConversationType = "group"
	ConversationChannel ConversationType = "channel"
)

// LastMessage is the summary cached on a conversation.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Conversation struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Type         ConversationType `json:"type"`
	Participants []string         `json:"participants"`
	CreatorID    string           `json:"creator_id"`
	LastMessage  *LastMessage     `json:"last_message,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
	CreatedAt    time.Time        `json:"created_at"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// UserConversation is a row of a user's conversation index.
type UserConversation struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	LastUpdated    time.Time `json:"last_updated"`
	UnreadCount    int64     `json:"unread_count"`
}

type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Active      bool   `json:"active"`
}

// SenderInfo is the display projection of a message sender.
type SenderInfo struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

func (u *User) SenderInfo() SenderInfo {
	return SenderInfo{
		ID:          u.ID,
		Username:    u.Username,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		DisplayName: u.DisplayName,
	}
}
