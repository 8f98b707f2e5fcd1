package call

import (
	"context"
	"testing"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Redis tests require Redis running on localhost:6379
const testRedisAddr = "localhost:6379"

func setupRedisRegistry(t *testing.T) *RedisRegistry {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	prefix := "test:call:" + time.Now().Format("150405.000000") + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return NewRedisRegistry(client, prefix)
}

func TestMemoryRegistry(t *testing.T) {
	r := NewMemoryRegistry()
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }
	ctx := context.Background()

	s := chat.CallSession{ID: "c1-1", ConversationID: "c1", MemberRefs: []string{"a"}}
	stored, created, err := r.Claim(ctx, s, time.Minute)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, s, stored)

	_, created, err = r.Claim(ctx, chat.CallSession{ID: "c1-1", ConversationID: "c1", MemberRefs: []string{"b"}}, time.Minute)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := r.Get(ctx, "c1-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.MemberRefs, "first claim wins")

	now = now.Add(2 * time.Minute)
	_, err = r.Get(ctx, "c1-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, created, err = r.Claim(ctx, s, time.Minute)
	require.NoError(t, err)
	assert.True(t, created, "expired sessions can be claimed again")
}

func TestRedisRegistry(t *testing.T) {
	r := setupRedisRegistry(t)
	ctx := context.Background()

	s := chat.CallSession{ID: "c1-1", ConversationID: "c1", CreatedAtSecond: 1, MemberRefs: []string{"a"}}
	_, created, err := r.Claim(ctx, s, time.Minute)
	require.NoError(t, err)
	assert.True(t, created)

	stored, created, err := r.Claim(ctx, chat.CallSession{ID: "c1-1", ConversationID: "c1"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s, stored)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
