// Package typing tracks typing indicators for one conversation view.
package typing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/go-monolith/mono/pkg/types"
)

// DefaultTTL is how long a remote indicator stays valid without a refresh.
const DefaultTTL = 6 * time.Second

type remoteState struct {
	at  time.Time
	seq uint64
}

// Tracker has two independent halves. The local half publishes an edge
// whenever the draft flips between empty and non-empty. The remote half
// keeps the last state per typer and exposes the most recently active one.
type Tracker struct {
	conversationID string
	selfID         string
	bus            bus.Bus
	logger         types.Logger
	ttl            time.Duration
	now            func() time.Time

	mu       sync.Mutex
	drafting bool
	emitted  time.Time // last "typing" edge sent
	stopped  bool
	seq      uint64
	remote   map[string]remoteState
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL sets the remote indicator lifetime. Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker for selfID in conversationID.
func NewTracker(conversationID, selfID string, b bus.Bus, logger types.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		conversationID: conversationID,
		selfID:         selfID,
		bus:            b,
		logger:         logger,
		ttl:            DefaultTTL,
		now:            time.Now,
		remote:         make(map[string]remoteState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Keystroke records the current draft and publishes a typing edge when
// the draft flips between blank and non-blank. With a TTL set, a draft
// that stays non-blank re-sends "typing" once half the TTL has passed so
// peers do not expire it. It reports whether anything was published.
func (t *Tracker) Keystroke(ctx context.Context, draft string) (bool, error) {
	typing := strings.TrimSpace(draft) != ""

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false, nil
	}
	now := t.now()
	refresh := typing && t.drafting && t.ttl > 0 && now.Sub(t.emitted) >= t.ttl/2
	if typing == t.drafting && !refresh {
		t.mu.Unlock()
		return false, nil
	}
	prevEmitted := t.emitted
	t.drafting = typing
	if typing {
		t.emitted = now
	}
	t.mu.Unlock()

	if err := t.publish(ctx, typing); err != nil {
		// Roll back so the next keystroke retries.
		t.mu.Lock()
		if !refresh && t.drafting == typing {
			t.drafting = !typing
		}
		t.emitted = prevEmitted
		t.mu.Unlock()
		return false, err
	}
	t.logger.Debug("Published typing state", "conversationID", t.conversationID, "typing", typing, "refresh", refresh)
	return true, nil
}

// Drafting reports whether the local draft is currently non-blank.
func (t *Tracker) Drafting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drafting
}

func (t *Tracker) publish(ctx context.Context, typing bool) error {
	state := chat.TypingState{ConversationID: t.conversationID, TyperID: t.selfID, IsTyping: typing}
	return bus.PublishEvent(ctx, t.bus, t.conversationID, bus.KindTyping, state)
}

// Observe folds a remote typing state. It reports whether the displayed
// indicator may have changed.
func (t *Tracker) Observe(state chat.TypingState) bool {
	if state.TyperID == "" || state.TyperID == t.selfID {
		return false
	}
	if state.ConversationID != "" && state.ConversationID != t.conversationID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	if !state.IsTyping {
		_, ok := t.remote[state.TyperID]
		delete(t.remote, state.TyperID)
		return ok
	}
	t.seq++
	t.remote[state.TyperID] = remoteState{at: t.now(), seq: t.seq}
	return true
}

// ObserveMessage clears the indicator of a typer whose message arrived.
func (t *Tracker) ObserveMessage(msg chat.Message) bool {
	if msg.MessageType != "" && msg.MessageType != chat.MessageTypeChat {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.remote[msg.SenderID]; !ok {
		return false
	}
	delete(t.remote, msg.SenderID)
	return true
}

// Current returns the most recently active remote typer.
func (t *Tracker) Current() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()

	var (
		best  string
		top   remoteState
		found bool
	)
	for id, st := range t.remote {
		if !found || st.seq > top.seq {
			best, top, found = id, st, true
		}
	}
	return best, found
}

// Expire drops indicators older than the TTL and reports whether any were
// removed.
func (t *Tracker) Expire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expireLocked()
}

func (t *Tracker) expireLocked() bool {
	if t.ttl <= 0 {
		return false
	}
	cutoff := t.now().Add(-t.ttl)
	removed := false
	for id, st := range t.remote {
		if st.at.Before(cutoff) {
			delete(t.remote, id)
			removed = true
		}
	}
	return removed
}

// Stop ends local emission and clears remote state. A final "not typing"
// edge is published if a draft was active.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	wasDrafting := t.drafting
	t.drafting = false
	t.remote = make(map[string]remoteState)
	t.mu.Unlock()

	if wasDrafting {
		return t.publish(ctx, false)
	}
	return nil
}
