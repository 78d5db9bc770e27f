package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/respond"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// history returns the newest messages of a conversation the caller belongs to.
func (s *server) history(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		respond.Error(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respond.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if !s.authorize(w, r, convID, claims.UserID) {
		return
	}

	messages, err := s.messages.History(r.Context(), convID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("conversation_id", convID).Msg("failed to iterate messages")
		respond.Error(w, http.StatusInternalServerError, "Failed to retrieve history")
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	respond.OK(w, messages)
}

// authorize writes the error response and reports false when userID may
// not read convID.
func (s *server) authorize(w http.ResponseWriter, r *http.Request, convID, userID string) bool {
	_, err := s.chat.Authorize(r.Context(), convID, userID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		respond.Error(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, chat.ErrNotParticipant):
		respond.Error(w, http.StatusForbidden, "not a participant of this conversation")
	default:
		s.log.Error().Err(err).Str("conversation_id", convID).Msg("failed to load conversation")
		respond.Error(w, http.StatusInternalServerError, "failed to load conversation")
	}
	return false
}

type LoginRequest struct {
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// login issues a token for a known user.
func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		respond.Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	u, err := s.users.GetByID(r.Context(), req.UserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !u.Active) {
		respond.Error(w, http.StatusUnauthorized, "unknown or inactive user")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load user")
		respond.Error(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	token, err := s.signer.GenerateToken(u.ID, u.Username)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	respond.OK(w, LoginResponse{Token: token, User: u})
}
