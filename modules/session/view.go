package session

import (
	"context"
	"sync"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/example/chat-sync-engine/modules/render"
	"github.com/example/chat-sync-engine/modules/timeline"
	"github.com/example/chat-sync-engine/modules/typing"
)

// pendingSend is what a failed send needs to be retried as authored.
type pendingSend struct {
	draft chat.Draft
	out   attachment.Outgoing
}

// view is one viewer's state of one conversation.
type view struct {
	engine   *Engine
	viewerID string
	store    *timeline.Store
	typing   *typing.Tracker
	pipeline *attachment.Pipeline
	sub      bus.Subscription

	mu      sync.Mutex
	conv    chat.Conversation
	pending map[string]pendingSend // localID -> send
	closed  bool
}

func (v *view) render() render.View {
	v.mu.Lock()
	conv := v.conv
	v.mu.Unlock()
	typer, _ := v.typing.Current()
	return render.Render(conv, v.store.Snapshot(), v.viewerID, typer)
}

func (v *view) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// teardown unsubscribes and stops the tracker and the pipeline. It is
// safe to call more than once.
func (v *view) teardown(ctx context.Context) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	sub := v.sub
	v.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			v.engine.logger.Warn("Failed to unsubscribe view", "conversationID", v.store.ConversationID(), "error", err)
		}
	}
	if err := v.typing.Stop(ctx); err != nil {
		v.engine.logger.Warn("Failed to publish typing stop", "conversationID", v.store.ConversationID(), "error", err)
	}
	v.pipeline.Close()
}
