// Package presence records which identities are online and which rooms they
// have joined. The hub writes to it; the read API and other gateways read it.
package presence

import "context"

type Store interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	Online(ctx context.Context) ([]string, error)

	Join(ctx context.Context, room, userID string) error
	Leave(ctx context.Context, room, userID string) error
	ListMembers(ctx context.Context, room string) ([]string, error)
}
