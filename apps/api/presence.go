package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/respond"
)

type memberStatus struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// roomMembers lists the identities currently joined to a room, across
// every gateway, with their online flag.
func (s *server) roomMembers(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	room := chi.URLParam(r, "id")
	if !s.authorize(w, r, room, claims.UserID) {
		return
	}

	members, err := s.presence.ListMembers(r.Context(), room)
	if err != nil {
		s.log.Error().Err(err).Str("room", room).Msg("failed to fetch presence")
		respond.Error(w, http.StatusInternalServerError, "Failed to fetch presence")
		return
	}
	out := make([]memberStatus, 0, len(members))
	for _, id := range members {
		online, err := s.presence.IsOnline(r.Context(), id)
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", id).Msg("online lookup failed")
		}
		out = append(out, memberStatus{UserID: id, Online: online})
	}
	respond.OK(w, out)
}
