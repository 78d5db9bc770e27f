package presence

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_ = m.SetOnline(ctx, "bob")
	_ = m.SetOnline(ctx, "alice")
	online, _ := m.Online(ctx)
	if diff := cmp.Diff([]string{"alice", "bob"}, online); diff != "" {
		t.Errorf("online (-want +got):\n%s", diff)
	}

	_ = m.SetOffline(ctx, "bob")
	if ok, _ := m.IsOnline(ctx, "bob"); ok {
		t.Error("bob should be offline")
	}
	if ok, _ := m.IsOnline(ctx, "alice"); !ok {
		t.Error("alice should be online")
	}

	_ = m.Join(ctx, "c1", "alice")
	_ = m.Join(ctx, "c1", "bob")
	_ = m.Join(ctx, "c1", "alice")
	members, _ := m.ListMembers(ctx, "c1")
	if diff := cmp.Diff([]string{"alice", "bob"}, members); diff != "" {
		t.Errorf("members (-want +got):\n%s", diff)
	}

	_ = m.Leave(ctx, "c1", "alice")
	_ = m.Leave(ctx, "c1", "bob")
	members, _ = m.ListMembers(ctx, "c1")
	if len(members) != 0 {
		t.Errorf("expected empty room, got %v", members)
	}
	if err := m.Leave(ctx, "never-joined", "carol"); err != nil {
		t.Errorf("leaving an unknown room: %v", err)
	}
}

func TestRoomKey(t *testing.T) {
	if got := roomKey("c1"); got != "channel:c1:users" {
		t.Errorf("unexpected key %q", got)
	}
}
