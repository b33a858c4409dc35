package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence records which participants are in which room.
type Presence interface {
	Add(ctx context.Context, roomID, participantID string) error
	Remove(ctx context.Context, roomID, participantID string) error
	Members(ctx context.Context, roomID string) ([]string, error)
}

func presenceKey(roomID string) string {
	return "room:" + roomID + ":participants"
}

// MemoryPresence keeps presence in process.
type MemoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{rooms: make(map[string]map[string]struct{})}
}

func (p *MemoryPresence) Add(_ context.Context, roomID, participantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[roomID] == nil {
		p.rooms[roomID] = make(map[string]struct{})
	}
	p.rooms[roomID][participantID] = struct{}{}
	return nil
}

func (p *MemoryPresence) Remove(_ context.Context, roomID, participantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms[roomID], participantID)
	if len(p.rooms[roomID]) == 0 {
		delete(p.rooms, roomID)
	}
	return nil
}

func (p *MemoryPresence) Members(_ context.Context, roomID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.rooms[roomID]))
	for id := range p.rooms[roomID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// RedisPresence stores each room as a set that expires after ttl without
// joins, so rooms of a crashed relay do not linger.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPresence connects to Redis and verifies the connection.
func NewRedisPresence(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPresence{client: client, ttl: ttl}, nil
}

func (p *RedisPresence) Add(ctx context.Context, roomID, participantID string) error {
	key := presenceKey(roomID)
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, participantID)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add %s to %s: %w", participantID, key, err)
	}
	return nil
}

func (p *RedisPresence) Remove(ctx context.Context, roomID, participantID string) error {
	if err := p.client.SRem(ctx, presenceKey(roomID), participantID).Err(); err != nil {
		return fmt.Errorf("remove %s from room %s: %w", participantID, roomID, err)
	}
	return nil
}

func (p *RedisPresence) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := p.client.SMembers(ctx, presenceKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("members of room %s: %w", roomID, err)
	}
	sort.Strings(members)
	return members, nil
}

// Close closes the Redis connection.
func (p *RedisPresence) Close() error {
	return p.client.Close()
}
