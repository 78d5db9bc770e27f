package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/chat-dispatch/pkg/model"
)

// MemoryScheduled is a process-local ScheduledStore.
type MemoryScheduled struct {
	mu      sync.Mutex
	records map[string]model.ScheduledMessage
	now     func() time.Time
}

func NewMemoryScheduled() *MemoryScheduled {
	return &MemoryScheduled{records: make(map[string]model.ScheduledMessage), now: time.Now}
}

func (s *MemoryScheduled) Create(ctx context.Context, m *model.ScheduledMessage) error {
	now := s.now()
	if err := m.Validate(now); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[m.ID]; ok {
		return fmt.Errorf("scheduled message %s already exists", m.ID)
	}
	s.records[m.ID] = *m
	return nil
}

// Put stores m as-is, bypassing creation checks. Used to seed fixtures.
func (s *MemoryScheduled) Put(m model.ScheduledMessage) {
	s.mu.Lock()
	s.records[m.ID] = m
	s.mu.Unlock()
}

func (s *MemoryScheduled) Get(ctx context.Context, id string) (model.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		return model.ScheduledMessage{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryScheduled) FindDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	s.mu.Lock()
	var due []model.ScheduledMessage
	for _, m := range s.records {
		if m.Due(now) {
			due = append(due, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].SendTime.Before(due[j].SendTime) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryScheduled) Transition(ctx context.Context, id string, t Transition) (bool, error) {
	if err := checkTransition(t); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.State() != t.From {
		return false, nil
	}
	m.Apply(t.To, t.At, t.Reason)
	if t.To == model.StateSent {
		m.MessageID = t.MessageID
	}
	s.records[id] = m
	return true, nil
}

func (s *MemoryScheduled) Stats(ctx context.Context, now time.Time) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st model.Stats
	for _, m := range s.records {
		st.Count(&m, now)
	}
	return st, nil
}

// MemoryMessages is a process-local MessageStore.
type MemoryMessages struct {
	mu      sync.Mutex
	byConv  map[string]map[int64]model.Message
	origins map[string]model.Message
}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{
		byConv:  make(map[string]map[int64]model.Message),
		origins: make(map[string]model.Message),
	}
}

func (s *MemoryMessages) Create(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(*m)
	return nil
}

func (s *MemoryMessages) CreateOnce(ctx context.Context, m *model.Message) (bool, error) {
	key := m.Origin.ScheduledMessageID
	if key == "" {
		return false, fmt.Errorf("create once: message has no origin id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.origins[key]; ok {
		*m = existing
		return false, nil
	}
	s.origins[key] = *m
	s.putLocked(*m)
	return true, nil
}

func (s *MemoryMessages) putLocked(m model.Message) {
	conv := s.byConv[m.ConversationID]
	if conv == nil {
		conv = make(map[int64]model.Message)
		s.byConv[m.ConversationID] = conv
	}
	conv[m.ID] = m
}

func (s *MemoryMessages) Get(ctx context.Context, conversationID string, id int64) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byConv[conversationID][id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryMessages) UpdateStatus(ctx context.Context, conversationID string, id int64, status model.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byConv[conversationID][id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	s.byConv[conversationID][id] = m
	return nil
}

func (s *MemoryMessages) History(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	out := make([]model.Message, 0, len(s.byConv[conversationID]))
	for _, m := range s.byConv[conversationID] {
		out = append(out, m)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns how many messages exist for a conversation.
func (s *MemoryMessages) Count(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byConv[conversationID])
}

// MemoryConversations is a process-local ConversationStore.
type MemoryConversations struct {
	mu      sync.Mutex
	convs   map[string]model.Conversation
	index   map[string]map[string]time.Time // user -> conversation -> last updated
	unread  map[string]map[string]int64     // user -> conversation -> count
	updates int
}

func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{
		convs:  make(map[string]model.Conversation),
		index:  make(map[string]map[string]time.Time),
		unread: make(map[string]map[string]int64),
	}
}

func (s *MemoryConversations) Create(ctx context.Context, c *model.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = model.ConversationDirect
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
		c.UpdatedAt = c.CreatedAt
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)

	s.mu.Lock()
	s.convs[c.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryConversations) GetByID(ctx context.Context, id string) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return model.Conversation{}, ErrNotFound
	}
	c.Participants = append([]string(nil), c.Participants...)
	return c, nil
}

func (s *MemoryConversations) UpdateLastMessage(ctx context.Context, id string, last model.LastMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	last.Content = model.Preview(last.Content)
	c.LastMessage = &last
	c.UpdatedAt = last.Timestamp
	s.convs[id] = c
	s.updates++

	for _, p := range c.Participants {
		if s.index[p] == nil {
			s.index[p] = make(map[string]time.Time)
		}
		s.index[p][id] = last.Timestamp
		if p != last.SenderID {
			if s.unread[p] == nil {
				s.unread[p] = make(map[string]int64)
			}
			s.unread[p][id]++
		}
	}
	return nil
}

// Updates returns how many summary updates were applied.
func (s *MemoryConversations) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *MemoryConversations) ListForUser(ctx context.Context, userID string) ([]model.UserConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.UserConversation
	for convID, ts := range s.index[userID] {
		out = append(out, model.UserConversation{
			UserID:         userID,
			ConversationID: convID,
			LastUpdated:    ts,
			UnreadCount:    s.unread[userID][convID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out, nil
}

func (s *MemoryConversations) ResetUnread(ctx context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unread[userID], conversationID)
	return nil
}

// MemoryUsers is a process-local UserDirectory.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]model.User
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]model.User)}
}

func (s *MemoryUsers) Create(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.users[u.ID] = *u
	s.mu.Unlock()
	return nil
}

func (s *MemoryUsers) GetByID(ctx context.Context, id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}
