package main

import (
	"net/http"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/respond"
)

// conversations lists the caller's conversation index, newest first, with
// unread counts.
func (s *server) conversations(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	list, err := s.convs.ListForUser(r.Context(), claims.UserID)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", claims.UserID).Msg("failed to list conversations")
		respond.Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if list == nil {
		list = []model.UserConversation{}
	}
	respond.OK(w, list)
}
