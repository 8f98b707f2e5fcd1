package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/redis/go-redis/v9"
)

// DefaultSessionTTL is how long a session id stays claimed.
const DefaultSessionTTL = 2 * time.Hour

// ErrSessionNotFound is returned when a session id is not active.
var ErrSessionNotFound = errors.New("call session not found")

// Registry records active call sessions.
type Registry interface {
	// Claim stores session unless its id is already active. It returns the
	// stored session and whether this call created it.
	Claim(ctx context.Context, session chat.CallSession, ttl time.Duration) (chat.CallSession, bool, error)
	Get(ctx context.Context, sessionID string) (chat.CallSession, error)
}

type memoryEntry struct {
	session   chat.CallSession
	expiresAt time.Time
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	now      func() time.Time
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]memoryEntry), now: time.Now}
}

// Claim implements Registry.
func (r *MemoryRegistry) Claim(_ context.Context, session chat.CallSession, ttl time.Duration) (chat.CallSession, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.sessions[session.ID]; ok && now.Before(e.expiresAt) {
		return e.session, false, nil
	}
	r.sessions[session.ID] = memoryEntry{session: session, expiresAt: now.Add(ttl)}
	return session, true, nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(_ context.Context, sessionID string) (chat.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok || !r.now().Before(e.expiresAt) {
		delete(r.sessions, sessionID)
		return chat.CallSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return e.session, nil
}

// RedisRegistry stores sessions as JSON values with a TTL so every engine
// instance sharing the Redis server sees the same active calls.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedisRegistry creates a registry on client under key prefix.
func NewRedisRegistry(client *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "call:"
	}
	return &RedisRegistry{client: client, prefix: prefix}
}

// Claim implements Registry with SET NX.
func (r *RedisRegistry) Claim(ctx context.Context, session chat.CallSession, ttl time.Duration) (chat.CallSession, bool, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return chat.CallSession{}, false, fmt.Errorf("call registry marshal error: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.prefix+session.ID, data, ttl).Result()
	if err != nil {
		return chat.CallSession{}, false, fmt.Errorf("call registry claim error: %w", err)
	}
	if created {
		return session, true, nil
	}

	existing, err := r.Get(ctx, session.ID)
	if errors.Is(err, ErrSessionNotFound) {
		// Expired between SETNX and GET; claim again.
		return r.Claim(ctx, session, ttl)
	}
	return existing, false, err
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (chat.CallSession, error) {
	data, err := r.client.Get(ctx, r.prefix+sessionID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return chat.CallSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return chat.CallSession{}, fmt.Errorf("call registry get error: %w", err)
	}

	var session chat.CallSession
	if err := json.Unmarshal(data, &session); err != nil {
		return chat.CallSession{}, fmt.Errorf("call registry unmarshal error: %w", err)
	}
	return session, nil
}
