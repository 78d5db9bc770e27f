package main

import (
	"encoding/json"
	"net/http"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/respond"
)

type ReadRequest struct {
	ConversationID string `json:"conversation_id"`
}

// markRead resets the caller's unread counter for a conversation.
func (s *server) markRead(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	var req ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		respond.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !s.authorize(w, r, req.ConversationID, claims.UserID) {
		return
	}

	if err := s.convs.ResetUnread(r.Context(), claims.UserID, req.ConversationID); err != nil {
		s.log.Error().Err(err).Msg("failed to reset unread count")
		respond.Error(w, http.StatusInternalServerError, "Failed to reset unread count")
		return
	}
	respond.Message(w, "conversation marked as read")
}
