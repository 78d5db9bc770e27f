package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/presence"
	"github.com/mahaj/chat-dispatch/pkg/snowflake"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

type received struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func drain(t *testing.T, c *Client) []received {
	t.Helper()
	var out []received
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var r received
			if err := json.Unmarshal(data, &r); err != nil {
				t.Fatalf("undecodable event %s: %v", data, err)
			}
			out = append(out, r)
		default:
			return out
		}
	}
}

func names(events []received) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Name)
	}
	return out
}

type fixture struct {
	hub      *Hub
	presence *presence.Memory
	messages *store.MemoryMessages
	convs    *store.MemoryConversations
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	ctx := context.Background()
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	convs := store.NewMemoryConversations()
	_ = convs.Create(ctx, &model.Conversation{ID: "r1", Participants: []string{"alice", "carol"}})
	f := fixture{presence: presence.NewMemory(), messages: store.NewMemoryMessages(), convs: convs}
	svc := chat.NewService(f.messages, convs, store.NewMemoryUsers(), node)
	f.hub = New(svc, f.presence, zerolog.Nop(), opts...)
	return f
}

func (f fixture) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c := newClient(f.hub, nil, userID, userID, nil)
	f.hub.Connect(context.Background(), c)
	return c
}

func TestConnectAnnouncesOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	if diff := cmp.Diff([]string{model.EventConnection}, names(drain(t, alice))); diff != "" {
		t.Errorf("alice events (-want +got):\n%s", diff)
	}

	bob := f.connect(t, "bob")
	if diff := cmp.Diff([]string{model.EventUserOnline}, names(drain(t, alice))); diff != "" {
		t.Errorf("alice events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{model.EventConnection}, names(drain(t, bob))); diff != "" {
		t.Errorf("bob must not see his own online event (-want +got):\n%s", diff)
	}
	if ok, _ := f.presence.IsOnline(ctx, "bob"); !ok {
		t.Error("bob should be online in the presence store")
	}

	// A second connection of the same identity is not announced again.
	f.connect(t, "bob")
	if got := drain(t, alice); len(got) != 0 {
		t.Errorf("unexpected events for alice: %v", names(got))
	}
}

func TestJoinRejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	drain(t, alice)
	drain(t, bob)

	if err := f.hub.JoinRoom(ctx, alice, "r1"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	drain(t, alice)

	err := f.hub.JoinRoom(ctx, bob, "r1")
	if !errors.Is(err, chat.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if diff := cmp.Diff([]string{"alice"}, f.hub.Members("r1")); diff != "" {
		t.Errorf("room members (-want +got):\n%s", diff)
	}
	if rooms := f.hub.Rooms("bob"); len(rooms) != 0 {
		t.Errorf("bob must not hold any room, got %v", rooms)
	}
	if members, _ := f.presence.ListMembers(ctx, "r1"); !cmp.Equal([]string{"alice"}, members) {
		t.Errorf("presence members: %v", members)
	}
	if got := drain(t, alice); len(got) != 0 {
		t.Errorf("alice must not be notified of a rejected join: %v", names(got))
	}

	if err := f.hub.JoinRoom(ctx, bob, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown room, got %v", err)
	}
}

func TestJoinNotifiesRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	carol := f.connect(t, "carol")
	_ = f.hub.JoinRoom(ctx, alice, "r1")
	drain(t, alice)
	drain(t, carol)

	if err := f.hub.JoinRoom(ctx, carol, "r1"); err != nil {
		t.Fatalf("carol join: %v", err)
	}
	if diff := cmp.Diff([]string{model.EventUserJoinedRoom}, names(drain(t, alice))); diff != "" {
		t.Errorf("alice events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{model.EventRoomJoined}, names(drain(t, carol))); diff != "" {
		t.Errorf("carol events (-want +got):\n%s", diff)
	}
}

func TestDisconnectWhileTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	carol := f.connect(t, "carol")
	_ = f.hub.JoinRoom(ctx, alice, "r1")
	_ = f.hub.JoinRoom(ctx, carol, "r1")
	if err := f.hub.SetTyping(ctx, alice, "r1", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	drain(t, alice)
	drain(t, carol)

	f.hub.Disconnect(ctx, alice)

	events := drain(t, carol)
	want := []string{model.EventUserTyping, model.EventUserLeftRoom, model.EventUserOffline}
	if diff := cmp.Diff(want, names(events)); diff != "" {
		t.Fatalf("carol events (-want +got):\n%s", diff)
	}
	var typing model.TypingPayload
	if err := json.Unmarshal(events[0].Data, &typing); err != nil {
		t.Fatalf("typing payload: %v", err)
	}
	if typing.IsTyping || typing.UserID != "alice" || typing.ConversationID != "r1" {
		t.Errorf("unexpected typing payload %+v", typing)
	}

	f.hub.mu.RLock()
	_, stillTyping := f.hub.typing["r1"]["alice"]
	_, known := f.hub.identities["alice"]
	typingRooms := len(f.hub.typing)
	f.hub.mu.RUnlock()
	if stillTyping || known || typingRooms != 0 {
		t.Errorf("orphaned state: typing=%v identity=%v typingRooms=%d", stillTyping, known, typingRooms)
	}
	if diff := cmp.Diff([]string{"carol"}, f.hub.Members("r1")); diff != "" {
		t.Errorf("room members (-want +got):\n%s", diff)
	}
	if ok, _ := f.presence.IsOnline(ctx, "alice"); ok {
		t.Error("alice still online in presence store")
	}
	if members, _ := f.presence.ListMembers(ctx, "r1"); !cmp.Equal([]string{"carol"}, members) {
		t.Errorf("presence members: %v", members)
	}
	if _, ok := <-alice.send; ok {
		t.Error("alice send channel must be closed")
	}
}

func TestDisconnectKeepsIdentityWithOtherConnections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.connect(t, "alice")
	second := f.connect(t, "alice")
	_ = f.hub.JoinRoom(ctx, first, "r1")

	f.hub.Disconnect(ctx, first)
	f.hub.Disconnect(ctx, first)

	if diff := cmp.Diff([]string{"r1"}, f.hub.Rooms("alice")); diff != "" {
		t.Errorf("rooms (-want +got):\n%s", diff)
	}
	if ok, _ := f.presence.IsOnline(ctx, "alice"); !ok {
		t.Error("alice must stay online while a connection remains")
	}
	f.hub.Disconnect(ctx, second)
	if online := f.hub.Online(); len(online) != 0 {
		t.Errorf("expected nobody online, got %v", online)
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	carol := f.connect(t, "carol")
	mallory := f.connect(t, "mallory")
	_ = f.hub.JoinRoom(ctx, alice, "r1")
	_ = f.hub.JoinRoom(ctx, carol, "r1")
	drain(t, alice)
	drain(t, carol)
	drain(t, mallory)

	if err := f.hub.SendMessage(ctx, alice, model.SendRequest{ConversationID: "r1", Content: "hello"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if diff := cmp.Diff([]string{model.EventNewMessage, model.EventMessageSent}, names(drain(t, alice))); diff != "" {
		t.Errorf("alice events (-want +got):\n%s", diff)
	}
	carolEvents := drain(t, carol)
	if diff := cmp.Diff([]string{model.EventNewMessage}, names(carolEvents)); diff != "" {
		t.Fatalf("carol events (-want +got):\n%s", diff)
	}
	var payload model.NewMessagePayload
	_ = json.Unmarshal(carolEvents[0].Data, &payload)
	if payload.Content != "hello" || payload.SenderID != "alice" || payload.Origin != model.OriginSocket {
		t.Errorf("unexpected payload %+v", payload)
	}

	err := f.hub.SendMessage(ctx, mallory, model.SendRequest{ConversationID: "r1", Content: "spam"})
	if !errors.Is(err, chat.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if n := f.messages.Count("r1"); n != 1 {
		t.Errorf("rejected send was stored: %d messages", n)
	}
	if got := drain(t, carol); len(got) != 0 {
		t.Errorf("rejected send reached the room: %v", names(got))
	}
}

func TestTypingRequiresMembership(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice")
	if err := f.hub.SetTyping(context.Background(), alice, "r1", true); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("expected ErrNotInRoom, got %v", err)
	}
	if err := f.hub.LeaveRoom(context.Background(), alice, "r1"); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("expected ErrNotInRoom, got %v", err)
	}
}

func TestFullBufferDropsEvents(t *testing.T) {
	f := newFixture(t)
	c := &Client{hub: f.hub, send: make(chan []byte, 1), UserID: "alice", Username: "alice"}
	f.hub.Connect(context.Background(), c) // fills the buffer with the connection event

	for i := 0; i < 10; i++ {
		_ = f.hub.PublishToUser(context.Background(), "alice", model.NewEvent(model.EventNewMessage, nil))
	}
	if n := len(c.send); n != 1 {
		t.Errorf("expected a single buffered event, got %d", n)
	}
}

func TestBroadcastAll(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice")
	carol := f.connect(t, "carol")
	drain(t, alice)
	drain(t, carol)

	_ = f.hub.BroadcastAll(context.Background(), model.NewEvent("maintenance", nil))
	for _, c := range []*Client{alice, carol} {
		if diff := cmp.Diff([]string{"maintenance"}, names(drain(t, c))); diff != "" {
			t.Errorf("%s events (-want +got):\n%s", c.UserID, diff)
		}
	}
}

type relayRecorder struct {
	mu  sync.Mutex
	got []model.Broadcast
}

func (r *relayRecorder) Publish(ctx context.Context, b model.Broadcast) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, b)
	return nil
}

func TestRelay(t *testing.T) {
	relay := &relayRecorder{}
	f := newFixture(t, WithRelay(relay, "gw-1"))
	alice := f.connect(t, "alice")
	drain(t, alice)

	_ = f.hub.PublishToUser(context.Background(), "alice", model.NewEvent(model.EventNewMessage, nil))
	if n := len(drain(t, alice)); n != 1 {
		t.Fatalf("expected local delivery, got %d events", n)
	}

	relay.mu.Lock()
	last := relay.got[len(relay.got)-1]
	relay.mu.Unlock()
	if last.Source != "gw-1" || last.Target != "alice" {
		t.Errorf("unexpected relayed broadcast %+v", last)
	}

	// Our own broadcast coming back from the relay is ignored.
	f.hub.Deliver(last)
	if n := len(drain(t, alice)); n != 0 {
		t.Errorf("self-relayed broadcast delivered twice")
	}
	last.Source = "gw-2"
	f.hub.Deliver(last)
	if n := len(drain(t, alice)); n != 1 {
		t.Errorf("broadcast from another gateway not delivered")
	}
}

func TestDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")

	join := model.Inbound{Name: model.InJoinRoom, Data: json.RawMessage(`"r1"`)}
	if err := f.hub.Dispatch(ctx, alice, join); err != nil {
		t.Fatalf("join with bare id: %v", err)
	}
	leave := model.Inbound{Name: model.InLeaveRoom, Data: json.RawMessage(`{"conversationId":"r1"}`)}
	if err := f.hub.Dispatch(ctx, alice, leave); err != nil {
		t.Fatalf("leave with object: %v", err)
	}

	tests := []struct {
		name string
		in   model.Inbound
		code string
	}{
		{"unknown event", model.Inbound{Name: "dance"}, "bad_request"},
		{"missing data", model.Inbound{Name: model.InSendMessage}, "bad_request"},
		{"empty room id", model.Inbound{Name: model.InJoinRoom, Data: json.RawMessage(`""`)}, "bad_request"},
		{"typing outside room", model.Inbound{Name: model.InTyping, Data: json.RawMessage(`{"conversationId":"r1","isTyping":true}`)}, "not_in_room"},
		{"unknown room", model.Inbound{Name: model.InJoinRoom, Data: json.RawMessage(`"nope"`)}, "not_found"},
		{"read without id", model.Inbound{Name: model.InMessageRead, Data: json.RawMessage(`{"conversationId":"r1"}`)}, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.hub.Dispatch(ctx, alice, tt.in)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errorCode(err); got != tt.code {
				t.Errorf("expected code %q, got %q (%v)", tt.code, got, err)
			}
		})
	}
}

func TestMarkMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	carol := f.connect(t, "carol")
	_ = f.hub.JoinRoom(ctx, alice, "r1")
	_ = f.hub.JoinRoom(ctx, carol, "r1")
	_ = f.hub.SendMessage(ctx, alice, model.SendRequest{ConversationID: "r1", Content: "hi"})
	events := drain(t, carol)
	drain(t, alice)

	var payload model.NewMessagePayload
	_ = json.Unmarshal(events[len(events)-1].Data, &payload)

	if err := f.hub.MarkMessage(ctx, carol, model.StatusRequest{MessageID: payload.ID, ConversationID: "r1"}, model.StatusRead); err != nil {
		t.Fatalf("MarkMessage: %v", err)
	}
	if diff := cmp.Diff([]string{model.EventMessageRead}, names(drain(t, alice))); diff != "" {
		t.Errorf("alice events (-want +got):\n%s", diff)
	}
	msg, _ := f.messages.Get(ctx, "r1", payload.ID)
	if msg.Status != model.StatusRead {
		t.Errorf("expected read status, got %s", msg.Status)
	}
}

func TestRoomAccessByConversationType(t *testing.T) {
	for _, typ := range []model.ConversationType{model.ConversationDirect, model.ConversationGroup, model.ConversationChannel} {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			room := "room-" + string(typ)
			_ = f.convs.Create(ctx, &model.Conversation{ID: room, Type: typ, Participants: []string{"alice", "carol"}})
			alice := f.connect(t, "alice")
			mallory := f.connect(t, "mallory")

			if err := f.hub.JoinRoom(ctx, mallory, room); !errors.Is(err, chat.ErrNotParticipant) {
				t.Errorf("join: expected ErrNotParticipant, got %v", err)
			}
			if err := f.hub.SendMessage(ctx, mallory, model.SendRequest{ConversationID: room, Content: "hi"}); !errors.Is(err, chat.ErrNotParticipant) {
				t.Errorf("send: expected ErrNotParticipant, got %v", err)
			}
			if n := f.messages.Count(room); n != 0 {
				t.Errorf("rejected send stored %d messages", n)
			}
			if members := f.hub.Members(room); len(members) != 0 {
				t.Errorf("rejected join left members %v", members)
			}

			if err := f.hub.JoinRoom(ctx, alice, room); err != nil {
				t.Errorf("participant join: %v", err)
			}
			if err := f.hub.SendMessage(ctx, alice, model.SendRequest{ConversationID: room, Content: "hi"}); err != nil {
				t.Errorf("participant send: %v", err)
			}
		})
	}
}
