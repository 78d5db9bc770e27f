package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

var (
	errMalformed    = errors.New("malformed event")
	errUnknownEvent = errors.New("unknown event")
	errRateLimited  = errors.New("too many events, slow down")
)

// Dispatch runs one inbound client event.
func (h *Hub) Dispatch(ctx context.Context, c *Client, in model.Inbound) error {
	switch in.Name {
	case model.InJoinRoom:
		room, err := roomID(in.Data)
		if err != nil {
			return err
		}
		return h.JoinRoom(ctx, c, room)

	case model.InLeaveRoom:
		room, err := roomID(in.Data)
		if err != nil {
			return err
		}
		return h.LeaveRoom(ctx, c, room)

	case model.InTyping:
		var req model.TypingRequest
		if err := decode(in.Data, &req); err != nil || req.ConversationID == "" {
			return errMalformed
		}
		return h.SetTyping(ctx, c, req.ConversationID, req.IsTyping)

	case model.InSendMessage:
		var req model.SendRequest
		if err := decode(in.Data, &req); err != nil || req.ConversationID == "" {
			return errMalformed
		}
		return h.SendMessage(ctx, c, req)

	case model.InMessageReceived, model.InMessageRead:
		var req model.StatusRequest
		if err := decode(in.Data, &req); err != nil || req.ConversationID == "" || req.MessageID == 0 {
			return errMalformed
		}
		status := model.StatusDelivered
		if in.Name == model.InMessageRead {
			status = model.StatusRead
		}
		return h.MarkMessage(ctx, c, req, status)
	}
	return fmt.Errorf("%w: %q", errUnknownEvent, in.Name)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errMalformed
	}
	return json.Unmarshal(data, v)
}

// roomID accepts either a bare conversation id string or {"conversationId": ...}.
func roomID(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil || id == "" {
			return "", errMalformed
		}
		return id, nil
	}
	var req model.RoomRequest
	if err := decode(data, &req); err != nil || req.ConversationID == "" {
		return "", errMalformed
	}
	return req.ConversationID, nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.Is(err, errMalformed), errors.Is(err, errUnknownEvent), errors.Is(err, chat.ErrEmptyContent):
		return "bad_request"
	}
	return "internal"
}
