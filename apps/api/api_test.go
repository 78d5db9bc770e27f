package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/presence"
	"github.com/mahaj/chat-dispatch/pkg/snowflake"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

type body struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T) (*server, http.Handler) {
	t.Helper()
	ctx := context.Background()
	node, _ := snowflake.NewNode(2)
	convs := store.NewMemoryConversations()
	users := store.NewMemoryUsers()
	_ = users.Create(ctx, &model.User{ID: "alice", Username: "alice", Active: true})
	_ = users.Create(ctx, &model.User{ID: "bob", Username: "bob", Active: true})
	_ = users.Create(ctx, &model.User{ID: "ghost", Username: "ghost"})
	_ = convs.Create(ctx, &model.Conversation{ID: "c1", Participants: []string{"alice", "bob"}})

	s := &server{
		messages: store.NewMemoryMessages(),
		convs:    convs,
		users:    users,
		presence: presence.NewMemory(),
		signer:   auth.NewSigner("test-secret", time.Hour),
		log:      zerolog.Nop(),
	}
	s.chat = chat.NewService(s.messages, s.convs, s.users, node)
	return s, s.routes()
}

func call(t *testing.T, h http.Handler, s *server, method, path, user string, payload any) (int, body) {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&buf).Encode(payload)
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		token, _ := s.signer.GenerateToken(user, user)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var b body
	_ = json.Unmarshal(rec.Body.Bytes(), &b)
	return rec.Code, b
}

func TestLogin(t *testing.T) {
	s, h := newTestServer(t)

	tests := []struct {
		name   string
		userID string
		status int
	}{
		{"known user", "alice", http.StatusOK},
		{"inactive user", "ghost", http.StatusUnauthorized},
		{"unknown user", "nobody", http.StatusUnauthorized},
		{"missing id", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, b := call(t, h, s, http.MethodPost, "/login", "", LoginRequest{UserID: tt.userID})
			if code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, code)
			}
			if code != http.StatusOK {
				return
			}
			var resp LoginResponse
			_ = json.Unmarshal(b.Data, &resp)
			claims, err := s.signer.ValidateToken(resp.Token)
			if err != nil || claims.UserID != tt.userID {
				t.Errorf("issued token invalid: %v %+v", err, claims)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	s, h := newTestServer(t)
	ctx := context.Background()
	conv, _ := s.chat.Conversation(ctx, "c1")
	for _, text := range []string{"one", "two", "three"} {
		if _, err := s.chat.Post(ctx, conv, chat.Post{SenderID: "alice", Content: text}); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}

	code, b := call(t, h, s, http.MethodGet, "/history?conversation_id=c1&limit=2", "bob", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var msgs []model.Message
	_ = json.Unmarshal(b.Data, &msgs)
	got := make([]string, 0, len(msgs))
	for _, m := range msgs {
		got = append(got, m.Content)
	}
	if diff := cmp.Diff([]string{"three", "two"}, got); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}

	if code, _ := call(t, h, s, http.MethodGet, "/history?conversation_id=c1", "mallory", nil); code != http.StatusForbidden {
		t.Errorf("non-participant: expected 403, got %d", code)
	}
	if code, _ := call(t, h, s, http.MethodGet, "/history?conversation_id=zz", "bob", nil); code != http.StatusNotFound {
		t.Errorf("unknown conversation: expected 404, got %d", code)
	}
	if code, _ := call(t, h, s, http.MethodGet, "/history", "bob", nil); code != http.StatusBadRequest {
		t.Errorf("missing id: expected 400, got %d", code)
	}
	if code, _ := call(t, h, s, http.MethodGet, "/history?conversation_id=c1", "", nil); code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", code)
	}
}

func TestConversationsAndRead(t *testing.T) {
	s, h := newTestServer(t)
	ctx := context.Background()
	conv, _ := s.chat.Conversation(ctx, "c1")
	_, _ = s.chat.Post(ctx, conv, chat.Post{SenderID: "alice", Content: "hi"})
	_, _ = s.chat.Post(ctx, conv, chat.Post{SenderID: "alice", Content: "there"})

	unread := func() int64 {
		_, b := call(t, h, s, http.MethodGet, "/conversations", "bob", nil)
		var list []model.UserConversation
		_ = json.Unmarshal(b.Data, &list)
		if len(list) != 1 || list[0].ConversationID != "c1" {
			t.Fatalf("unexpected conversation index %s", b.Data)
		}
		return list[0].UnreadCount
	}
	if n := unread(); n != 2 {
		t.Errorf("expected 2 unread, got %d", n)
	}

	code, _ := call(t, h, s, http.MethodPost, "/conversations/read", "bob", ReadRequest{ConversationID: "c1"})
	if code != http.StatusOK {
		t.Fatalf("mark read: %d", code)
	}
	if n := unread(); n != 0 {
		t.Errorf("expected unread reset, got %d", n)
	}

	if code, _ := call(t, h, s, http.MethodPost, "/conversations/read", "mallory", ReadRequest{ConversationID: "c1"}); code != http.StatusForbidden {
		t.Errorf("non-participant: expected 403, got %d", code)
	}
}

func TestRoomMembers(t *testing.T) {
	s, h := newTestServer(t)
	ctx := context.Background()
	_ = s.presence.SetOnline(ctx, "alice")
	_ = s.presence.Join(ctx, "c1", "alice")
	_ = s.presence.Join(ctx, "c1", "bob")

	code, b := call(t, h, s, http.MethodGet, "/rooms/c1/members", "bob", nil)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var got []memberStatus
	_ = json.Unmarshal(b.Data, &got)
	want := []memberStatus{{UserID: "alice", Online: true}, {UserID: "bob", Online: false}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("members (-want +got):\n%s", diff)
	}

	if code, _ := call(t, h, s, http.MethodGet, "/rooms/c1/members", "mallory", nil); code != http.StatusForbidden {
		t.Errorf("non-participant: expected 403, got %d", code)
	}
}
