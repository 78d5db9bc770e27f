// Package hub owns the live websocket connections of a gateway. It maps
// identities to connections and rooms, and is the only component that
// pushes events to sockets.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/metrics"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/presence"
)

var (
	ErrNotInRoom    = errors.New("not in room")
	ErrNotConnected = errors.New("identity has no live connection")
)

// Relay forwards broadcasts to the other gateways.
type Relay interface {
	Publish(ctx context.Context, b model.Broadcast) error
}

type Option func(*Hub)

// WithRelay makes every locally published broadcast reach other gateways.
// node identifies this gateway on the relay.
func WithRelay(r Relay, node string) Option {
	return func(h *Hub) {
		h.relay = r
		h.node = node
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

type identity struct {
	username string
	clients  map[*Client]bool
	rooms    map[string]bool
}

type Hub struct {
	chat     *chat.Service
	presence presence.Store
	relay    Relay
	node     string
	log      zerolog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	identities map[string]*identity
	rooms      map[string]map[string]bool // room -> identities
	typing     map[string]map[string]bool // room -> identities typing
}

func New(svc *chat.Service, ps presence.Store, log zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		chat:       svc,
		presence:   ps,
		log:        log,
		now:        time.Now,
		identities: make(map[string]*identity),
		rooms:      make(map[string]map[string]bool),
		typing:     make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run waits for ctx to end and then closes every live socket, so each
// connection's read loop unwinds through Disconnect. Connect and Disconnect
// run on the connection's own goroutines, so a slow relay or presence write
// only delays that connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.RLock()
	var conns []*websocket.Conn
	for _, ent := range h.identities {
		for c := range ent.clients {
			if c.conn != nil {
				conns = append(conns, c.conn)
			}
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
	h.log.Info().Int("connections", len(conns)).Msg("hub stopped")
}

// Connect registers c. The first connection of an identity marks it online
// and announces it to everyone else.
func (h *Hub) Connect(ctx context.Context, c *Client) {
	h.mu.Lock()
	ent := h.identities[c.UserID]
	first := ent == nil
	if first {
		ent = &identity{username: c.Username, clients: make(map[*Client]bool), rooms: make(map[string]bool)}
		h.identities[c.UserID] = ent
	}
	ent.clients[c] = true
	h.mu.Unlock()
	metrics.Connections.Inc()

	c.push(model.NewEvent(model.EventConnection, model.ConnectionPayload{
		Success: true,
		Message: "connected",
		User:    model.SenderInfo{ID: c.UserID, Username: c.Username},
	}))
	h.log.Info().Str("user_id", c.UserID).Bool("first", first).Msg("client connected")

	if !first {
		return
	}
	if err := h.presence.SetOnline(ctx, c.UserID); err != nil {
		h.log.Error().Err(err).Str("user_id", c.UserID).Msg("set online failed")
	}
	b := model.ToAll(model.NewEvent(model.EventUserOnline, model.PresencePayload{
		UserID:    c.UserID,
		Username:  c.Username,
		Timestamp: h.now(),
	}))
	b.Except = c.UserID
	h.publish(ctx, b)
}

// Disconnect unregisters c. When it was the identity's last connection the
// identity leaves every room, stops typing everywhere and goes offline.
func (h *Hub) Disconnect(ctx context.Context, c *Client) {
	h.mu.Lock()
	ent := h.identities[c.UserID]
	if ent == nil || !ent.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(ent.clients, c)
	close(c.send)
	last := len(ent.clients) == 0

	var joined, typing []string
	if last {
		for room := range ent.rooms {
			joined = append(joined, room)
			h.removeMemberLocked(room, c.UserID)
		}
		// Typing sets are swept in full so no room keeps a stale entry.
		for room, set := range h.typing {
			if set[c.UserID] {
				typing = append(typing, room)
				h.clearTypingLocked(room, c.UserID)
			}
		}
		delete(h.identities, c.UserID)
	}
	h.mu.Unlock()
	metrics.Connections.Dec()
	h.log.Info().Str("user_id", c.UserID).Bool("last", last).Msg("client disconnected")

	if !last {
		return
	}
	sort.Strings(joined)
	sort.Strings(typing)
	for _, room := range typing {
		h.publish(ctx, h.typingEvent(room, c.UserID, c.Username, false))
	}
	for _, room := range joined {
		if err := h.presence.Leave(ctx, room, c.UserID); err != nil {
			h.log.Error().Err(err).Str("room", room).Msg("presence leave failed")
		}
		h.publish(ctx, h.roomEvent(model.EventUserLeftRoom, room, c.UserID, c.Username))
	}
	if err := h.presence.SetOffline(ctx, c.UserID); err != nil {
		h.log.Error().Err(err).Str("user_id", c.UserID).Msg("set offline failed")
	}
	h.publish(ctx, model.ToAll(model.NewEvent(model.EventUserOffline, model.PresencePayload{
		UserID:    c.UserID,
		Username:  c.Username,
		Timestamp: h.now(),
	})))
}

func (h *Hub) removeMemberLocked(room, userID string) {
	delete(h.rooms[room], userID)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) clearTypingLocked(room, userID string) bool {
	if !h.typing[room][userID] {
		return false
	}
	delete(h.typing[room], userID)
	if len(h.typing[room]) == 0 {
		delete(h.typing, room)
	}
	return true
}

// JoinRoom admits c's identity into a conversation room after checking it
// is a participant of that conversation.
func (h *Hub) JoinRoom(ctx context.Context, c *Client, conversationID string) error {
	if _, err := h.chat.Authorize(ctx, conversationID, c.UserID); err != nil {
		metrics.RoomJoins.WithLabelValues("rejected").Inc()
		return err
	}

	h.mu.Lock()
	ent := h.identities[c.UserID]
	if ent == nil {
		h.mu.Unlock()
		return ErrNotConnected
	}
	already := ent.rooms[conversationID]
	ent.rooms[conversationID] = true
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[string]bool)
	}
	h.rooms[conversationID][c.UserID] = true
	h.mu.Unlock()
	metrics.RoomJoins.WithLabelValues("admitted").Inc()

	if err := h.presence.Join(ctx, conversationID, c.UserID); err != nil {
		h.log.Error().Err(err).Str("room", conversationID).Msg("presence join failed")
	}
	if !already {
		h.publish(ctx, h.roomEvent(model.EventUserJoinedRoom, conversationID, c.UserID, c.Username))
	}
	c.push(model.NewEvent(model.EventRoomJoined, model.RoomPayload{
		ConversationID: conversationID,
		Success:        true,
		Timestamp:      h.now(),
	}))
	return nil
}

func (h *Hub) LeaveRoom(ctx context.Context, c *Client, conversationID string) error {
	h.mu.Lock()
	ent := h.identities[c.UserID]
	if ent == nil || !ent.rooms[conversationID] {
		h.mu.Unlock()
		return ErrNotInRoom
	}
	delete(ent.rooms, conversationID)
	h.removeMemberLocked(conversationID, c.UserID)
	wasTyping := h.clearTypingLocked(conversationID, c.UserID)
	h.mu.Unlock()

	if err := h.presence.Leave(ctx, conversationID, c.UserID); err != nil {
		h.log.Error().Err(err).Str("room", conversationID).Msg("presence leave failed")
	}
	if wasTyping {
		h.publish(ctx, h.typingEvent(conversationID, c.UserID, c.Username, false))
	}
	h.publish(ctx, h.roomEvent(model.EventUserLeftRoom, conversationID, c.UserID, c.Username))
	return nil
}

// SetTyping records the typing indicator and tells the rest of the room
// when it changes.
func (h *Hub) SetTyping(ctx context.Context, c *Client, conversationID string, typing bool) error {
	h.mu.Lock()
	ent := h.identities[c.UserID]
	if ent == nil || !ent.rooms[conversationID] {
		h.mu.Unlock()
		return ErrNotInRoom
	}
	changed := false
	if typing {
		if h.typing[conversationID] == nil {
			h.typing[conversationID] = make(map[string]bool)
		}
		changed = !h.typing[conversationID][c.UserID]
		h.typing[conversationID][c.UserID] = true
	} else {
		changed = h.clearTypingLocked(conversationID, c.UserID)
	}
	h.mu.Unlock()

	if changed {
		h.publish(ctx, h.typingEvent(conversationID, c.UserID, c.Username, typing))
	}
	return nil
}

// SendMessage posts a live message from c into a conversation it belongs to.
func (h *Hub) SendMessage(ctx context.Context, c *Client, req model.SendRequest) error {
	conv, err := h.chat.Authorize(ctx, req.ConversationID, c.UserID)
	if err != nil {
		return err
	}
	posted, err := h.chat.Post(ctx, conv, chat.Post{
		SenderID:    c.UserID,
		Content:     req.Content,
		ContentType: req.MessageType,
		Origin:      model.Origin{Source: model.OriginSocket, ClientInfo: "websocket"},
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	wasTyping := h.clearTypingLocked(conv.ID, c.UserID)
	h.mu.Unlock()
	if wasTyping {
		h.publish(ctx, h.typingEvent(conv.ID, c.UserID, c.Username, false))
	}

	h.publish(ctx, model.ToRoom(conv.ID, model.NewEvent(model.EventNewMessage, posted.Payload)))
	c.push(model.NewEvent(model.EventMessageSent, model.MessageSentPayload{
		Success:   true,
		MessageID: posted.Message.ID,
		Timestamp: posted.Message.CreatedAt,
	}))
	return nil
}

// MarkMessage records a delivery receipt and tells the rest of the room.
func (h *Hub) MarkMessage(ctx context.Context, c *Client, req model.StatusRequest, status model.MessageStatus) error {
	if _, err := h.chat.Authorize(ctx, req.ConversationID, c.UserID); err != nil {
		return err
	}
	if err := h.chat.UpdateStatus(ctx, req.ConversationID, req.MessageID, status); err != nil {
		return err
	}

	name := model.EventMessageReceived
	if status == model.StatusRead {
		name = model.EventMessageRead
	}
	b := model.ToRoom(req.ConversationID, model.NewEvent(name, model.StatusPayload{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		UserID:         c.UserID,
		Username:       c.Username,
		Timestamp:      h.now(),
	}))
	b.Except = c.UserID
	h.publish(ctx, b)
	return nil
}

func (h *Hub) roomEvent(name, room, userID, username string) model.Broadcast {
	b := model.ToRoom(room, model.NewEvent(name, model.RoomPayload{
		UserID:         userID,
		Username:       username,
		ConversationID: room,
		Timestamp:      h.now(),
	}))
	b.Except = userID
	return b
}

func (h *Hub) typingEvent(room, userID, username string, typing bool) model.Broadcast {
	b := model.ToRoom(room, model.NewEvent(model.EventUserTyping, model.TypingPayload{
		UserID:         userID,
		Username:       username,
		ConversationID: room,
		IsTyping:       typing,
	}))
	b.Except = userID
	return b
}

func (h *Hub) PublishToRoom(ctx context.Context, room string, ev model.Event) error {
	return h.Publish(ctx, model.ToRoom(room, ev))
}

func (h *Hub) PublishToUser(ctx context.Context, userID string, ev model.Event) error {
	return h.Publish(ctx, model.ToUser(userID, ev))
}

func (h *Hub) BroadcastAll(ctx context.Context, ev model.Event) error {
	return h.Publish(ctx, model.ToAll(ev))
}

// Publish delivers b to local connections and, with a relay, to the other
// gateways. Delivery is fire-and-forget.
func (h *Hub) Publish(ctx context.Context, b model.Broadcast) error {
	h.Deliver(b)
	if h.relay == nil {
		return nil
	}
	b.Source = h.node
	return h.relay.Publish(ctx, b)
}

func (h *Hub) publish(ctx context.Context, b model.Broadcast) {
	if err := h.Publish(ctx, b); err != nil {
		h.log.Error().Err(err).Str("event", b.Event.Name).Msg("relay failed")
	}
}

// Deliver pushes b to the matching local connections. Broadcasts this
// gateway relayed itself are ignored.
func (h *Hub) Deliver(b model.Broadcast) {
	if b.Source != "" && b.Source == h.node {
		return
	}
	data, err := json.Marshal(b.Event)
	if err != nil {
		h.log.Error().Err(err).Str("event", b.Event.Name).Msg("encode event failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	switch b.Scope {
	case model.ScopeRoom:
		for userID := range h.rooms[b.Target] {
			if userID != b.Except {
				h.pushIdentityLocked(userID, b.Event.Name, data)
			}
		}
	case model.ScopeUser:
		if b.Target != b.Except {
			h.pushIdentityLocked(b.Target, b.Event.Name, data)
		}
	case model.ScopeAll:
		for userID := range h.identities {
			if userID != b.Except {
				h.pushIdentityLocked(userID, b.Event.Name, data)
			}
		}
	}
}

func (h *Hub) pushIdentityLocked(userID, name string, data []byte) {
	ent := h.identities[userID]
	if ent == nil {
		return
	}
	for c := range ent.clients {
		c.pushRaw(name, data)
	}
}

// Online returns the identities with a live connection on this gateway.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.identities))
	for id := range h.identities {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Members returns the identities joined to room on this gateway.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rooms returns the rooms userID has joined on this gateway.
func (h *Hub) Rooms(userID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ent := h.identities[userID]
	if ent == nil {
		return nil
	}
	out := make([]string, 0, len(ent.rooms))
	for room := range ent.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
