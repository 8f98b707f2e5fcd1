package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupNATS connects to NATS_URL (or the default local server) and skips
// the test when no server is reachable.
func setupNATS(t *testing.T) *NATS {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	probe, err := nats.Connect(url, nats.Timeout(500*time.Millisecond))
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	probe.Close()

	cfg := DefaultNATSConfig()
	cfg.URL = url
	b := NewNATS(cfg)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}

func TestNATS_NotConnected(t *testing.T) {
	b := NewNATS(NATSConfig{})
	_, err := b.Subscribe("conversation/1", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, b.Publish(context.Background(), "conversation/1", nil), ErrNotConnected)
	assert.False(t, b.Connected())
}

func TestNATS_PublishSubscribe(t *testing.T) {
	b := setupNATS(t)

	var c collector
	sub, err := b.Subscribe("conversation/nats-test", c.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "conversation/nats-test", []byte("hello")))
	assert.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, c.all())
}
