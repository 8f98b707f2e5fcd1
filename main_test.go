package main

import (
	"context"
	"testing"

	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closingApp publishes on the bus while stopping, as closing views do.
type closingApp struct {
	b          bus.Bus
	publishErr error
}

func (a *closingApp) Stop(ctx context.Context) error {
	a.publishErr = a.b.Publish(ctx, bus.ConversationTopic("c1"), []byte(`{}`))
	return nil
}

type fakeCloser struct{ closed bool }

func (c *fakeCloser) Close() error {
	c.closed = true
	return nil
}

func TestShutdownOperations_BusOutlivesModules(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	require.NoError(t, b.Connect(ctx))

	app := &closingApp{b: b}
	ops := shutdownOperations(app, b, nil)
	require.Len(t, ops, 1)

	require.NoError(t, ops["mono-app"](ctx))
	assert.NoError(t, app.publishErr, "modules stop while the bus is still up")
	assert.ErrorIs(t, b.Publish(ctx, bus.ConversationTopic("c1"), nil), bus.ErrNotConnected)
}

func TestShutdownOperations_Redis(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	require.NoError(t, b.Connect(ctx))

	closer := &fakeCloser{}
	ops := shutdownOperations(&closingApp{b: b}, b, closer)
	require.Contains(t, ops, "redis")
	require.NoError(t, ops["redis"](ctx))
	assert.True(t, closer.closed)
}
