// Package receipts propagates read acknowledgements between the local
// timeline, the real-time bus and the read-acknowledgement API.
package receipts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/example/chat-sync-engine/modules/timeline"
	"github.com/go-monolith/mono/pkg/types"
)

// DefaultAckTimeout bounds the background acknowledgement call.
const DefaultAckTimeout = 10 * time.Second

// Acker is the external read-acknowledgement API.
type Acker interface {
	MarkRead(ctx context.Context, conversationID, messageID, viewerID string) error
}

// Result describes the outcome of a MarkRead call.
type Result struct {
	Entry   timeline.Entry
	Changed bool
	Summary chat.ConversationSummary
}

// Propagator marks messages read and folds remote receipts.
type Propagator struct {
	bus        bus.Bus
	acker      Acker
	logger     types.Logger
	ackTimeout time.Duration
	wg         sync.WaitGroup
}

// NewPropagator creates a propagator publishing on b and acknowledging
// through acker.
func NewPropagator(b bus.Bus, acker Acker, logger types.Logger) *Propagator {
	return &Propagator{
		bus:        b,
		acker:      acker,
		logger:     logger,
		ackTimeout: DefaultAckTimeout,
	}
}

// MarkRead unions viewerID into the read set of messageID, publishes the
// receipt on the conversation topic, publishes the refreshed summary on
// the viewer's topic and acknowledges the read in the background.
//
// Every step runs on every call so a lost publish or ack is repaired by
// the next call for the same pair. The read set itself is only ever
// unioned, so repeated calls converge.
func (p *Propagator) MarkRead(ctx context.Context, store *timeline.Store, messageID, viewerID string) (Result, error) {
	entry, changed, err := store.ApplyReceipt(messageID, viewerID)
	if err != nil {
		return Result{}, chat.Classify("mark read", err)
	}

	conversationID := store.ConversationID()
	messages := store.Messages()
	summary := chat.ConversationSummary{
		ConversationID: conversationID,
		UnreadCount:    chat.UnreadCount(messages, viewerID),
	}
	if n := len(messages); n > 0 {
		latest := messages[n-1].Clone()
		summary.LatestMessage = &latest
	}
	res := Result{Entry: entry, Changed: changed, Summary: summary}

	// Provisional entries are unknown to everyone else.
	if entry.Optimistic() {
		return res, nil
	}

	receipt := chat.ReadReceipt{ConversationID: conversationID, MessageID: messageID, ViewerID: viewerID}
	if err := bus.PublishEvent(ctx, p.bus, conversationID, bus.KindReadReceipt, receipt); err != nil {
		p.logger.Warn("Failed to publish read receipt",
			"conversationID", conversationID, "messageID", messageID, "error", err)
	}
	if err := bus.PublishSummary(ctx, p.bus, viewerID, summary); err != nil {
		p.logger.Warn("Failed to publish conversation summary",
			"conversationID", conversationID, "viewerID", viewerID, "error", err)
	}

	p.ack(ctx, receipt)
	return res, nil
}

func (p *Propagator) ack(ctx context.Context, receipt chat.ReadReceipt) {
	if p.acker == nil {
		return
	}
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.ackTimeout)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		if err := p.acker.MarkRead(ackCtx, receipt.ConversationID, receipt.MessageID, receipt.ViewerID); err != nil {
			p.logger.Warn("Read acknowledgement failed",
				"conversationID", receipt.ConversationID,
				"messageID", receipt.MessageID,
				"error", err)
		}
	}()
}

// Fold applies a receipt received from the bus. A receipt for a message
// the store has not loaded yet is held until the message arrives.
func (p *Propagator) Fold(store *timeline.Store, receipt chat.ReadReceipt) (timeline.Entry, bool, error) {
	if receipt.ConversationID != "" && receipt.ConversationID != store.ConversationID() {
		return timeline.Entry{}, false, fmt.Errorf("%w: %s", timeline.ErrWrongThread, receipt.ConversationID)
	}
	if receipt.ViewerID == "" {
		return timeline.Entry{}, false, fmt.Errorf("%w: receipt without viewer", chat.ErrMessageInvalid)
	}
	return store.ApplyRemoteReceipt(receipt.MessageID, receipt.ViewerID)
}

// Wait blocks until background acknowledgements have finished.
func (p *Propagator) Wait() {
	p.wg.Wait()
}
