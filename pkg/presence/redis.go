package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const onlineKey = "presence:online"

func roomKey(room string) string {
	return "channel:" + room + ":users"
}

// Redis keeps presence in Redis sets so every gateway and the read API see
// the same view.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) SetOnline(ctx context.Context, userID string) error {
	if err := r.rdb.SAdd(ctx, onlineKey, userID).Err(); err != nil {
		return fmt.Errorf("set %s online: %w", userID, err)
	}
	return nil
}

func (r *Redis) SetOffline(ctx context.Context, userID string) error {
	if err := r.rdb.SRem(ctx, onlineKey, userID).Err(); err != nil {
		return fmt.Errorf("set %s offline: %w", userID, err)
	}
	return nil
}

func (r *Redis) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, onlineKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("check %s online: %w", userID, err)
	}
	return ok, nil
}

func (r *Redis) Online(ctx context.Context) ([]string, error) {
	return r.members(ctx, onlineKey)
}

func (r *Redis) Join(ctx context.Context, room, userID string) error {
	if err := r.rdb.SAdd(ctx, roomKey(room), userID).Err(); err != nil {
		return fmt.Errorf("join %s to %s: %w", userID, room, err)
	}
	return nil
}

func (r *Redis) Leave(ctx context.Context, room, userID string) error {
	if err := r.rdb.SRem(ctx, roomKey(room), userID).Err(); err != nil {
		return fmt.Errorf("remove %s from %s: %w", userID, room, err)
	}
	return nil
}

func (r *Redis) ListMembers(ctx context.Context, room string) ([]string, error) {
	return r.members(ctx, roomKey(room))
}

func (r *Redis) members(ctx context.Context, key string) ([]string, error) {
	out, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	sort.Strings(out)
	return out, nil
}
