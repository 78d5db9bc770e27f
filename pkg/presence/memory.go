package presence

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Store.
type Memory struct {
	mu     sync.RWMutex
	online map[string]bool
	rooms  map[string]map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		online: make(map[string]bool),
		rooms:  make(map[string]map[string]bool),
	}
}

func (m *Memory) SetOnline(ctx context.Context, userID string) error {
	m.mu.Lock()
	m.online[userID] = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetOffline(ctx context.Context, userID string) error {
	m.mu.Lock()
	delete(m.online, userID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) IsOnline(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online[userID], nil
}

func (m *Memory) Online(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.online), nil
}

func (m *Memory) Join(ctx context.Context, room, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]bool)
	}
	m.rooms[room][userID] = true
	return nil
}

func (m *Memory) Leave(ctx context.Context, room, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms[room], userID)
	if len(m.rooms[room]) == 0 {
		delete(m.rooms, room)
	}
	return nil
}

func (m *Memory) ListMembers(ctx context.Context, room string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.rooms[room]), nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
