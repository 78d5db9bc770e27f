package hub

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/respond"
)

type noticeRequest struct {
	RoomID  string `json:"room_id"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// AdminRoutes mounts the operator endpoints of a gateway. Messages sent
// through them go through Publish and so reach every gateway. Lookups
// answer for this gateway's connections, except online checks, which read
// the shared presence store.
func (h *Hub) AdminRoutes(signer *auth.Signer) chi.Router {
	r := chi.NewRouter()
	r.Use(auth.Middleware(signer))

	r.Get("/status", h.socketStatus)
	r.Get("/connected-users", h.connectedUsers)
	r.Get("/user/{id}/rooms", h.userRooms)
	r.Get("/user/{id}/online", h.userOnline)
	r.Post("/system-message", h.systemMessage)
	r.Post("/private-message", h.privateMessage)
	r.Post("/broadcast", h.broadcastMessage)
	return r
}

func (h *Hub) socketStatus(w http.ResponseWriter, r *http.Request) {
	respond.OK(w, map[string]any{
		"status":          "active",
		"gateway":         h.node,
		"connected_users": len(h.Online()),
		"timestamp":       h.now().UTC(),
	})
}

func (h *Hub) connectedUsers(w http.ResponseWriter, r *http.Request) {
	users := h.Online()
	respond.OK(w, map[string]any{"users": users, "total": len(users)})
}

func (h *Hub) userRooms(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	rooms := h.Rooms(userID)
	if rooms == nil {
		rooms = []string{}
	}
	respond.OK(w, map[string]any{"user_id": userID, "rooms": rooms, "total": len(rooms)})
}

func (h *Hub) userOnline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	online, err := h.presence.IsOnline(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("online check failed")
		respond.Error(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	respond.OK(w, map[string]any{"user_id": userID, "online": online})
}

func (h *Hub) systemMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNotice(w, r)
	if !ok {
		return
	}
	if req.RoomID == "" {
		respond.Error(w, http.StatusBadRequest, "room_id and message are required")
		return
	}
	n := h.notice("system", req.Message, req.Type, "info")
	h.sendNotice(w, r, model.ToRoom(req.RoomID, model.NewEvent(model.EventSystemMessage, n)), "system message sent", n)
}

func (h *Hub) privateMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNotice(w, r)
	if !ok {
		return
	}
	if req.UserID == "" {
		respond.Error(w, http.StatusBadRequest, "user_id and message are required")
		return
	}
	n := h.notice("private", req.Message, req.Type, "notification")
	h.sendNotice(w, r, model.ToUser(req.UserID, model.NewEvent(model.EventPrivateMessage, n)), "private message sent", n)
}

func (h *Hub) broadcastMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeNotice(w, r)
	if !ok {
		return
	}
	n := h.notice("broadcast", req.Message, req.Type, "announcement")
	h.sendNotice(w, r, model.ToAll(model.NewEvent(model.EventBroadcastMessage, n)), "broadcast sent", n)
}

func decodeNotice(w http.ResponseWriter, r *http.Request) (noticeRequest, bool) {
	var req noticeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if req.Message == "" {
		respond.Error(w, http.StatusBadRequest, "message is required")
		return req, false
	}
	return req, true
}

func (h *Hub) notice(typ, content, kind, defaultKind string) model.NoticePayload {
	if kind == "" {
		kind = defaultKind
	}
	return model.NoticePayload{ID: uuid.NewString(), Type: typ, Content: content, Kind: kind, Timestamp: h.now().UTC()}
}

func (h *Hub) sendNotice(w http.ResponseWriter, r *http.Request, b model.Broadcast, msg string, n model.NoticePayload) {
	if err := h.Publish(r.Context(), b); err != nil {
		// Local connections already have it; only the relay failed.
		h.log.Error().Err(err).Str("event", b.Event.Name).Msg("relay notice failed")
		respond.Error(w, http.StatusBadGateway, "delivered locally, relay to other gateways failed")
		return
	}
	h.log.Info().Str("event", b.Event.Name).Str("target", b.Target).Msg("notice published")
	respond.JSON(w, http.StatusOK, respond.Body{Success: true, Message: msg, Data: n})
}
