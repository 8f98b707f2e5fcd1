// Package session runs the conversation views of connected viewers. A view
// ties a timeline store, a typing tracker and an attachment pipeline to the
// conversation topic of the bus and to the authoritative chat API.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/backend"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/example/chat-sync-engine/modules/call"
	"github.com/example/chat-sync-engine/modules/metrics"
	"github.com/example/chat-sync-engine/modules/receipts"
	"github.com/example/chat-sync-engine/modules/render"
	"github.com/example/chat-sync-engine/modules/timeline"
	"github.com/example/chat-sync-engine/modules/typing"
	"github.com/go-monolith/mono/pkg/types"
)

// DefaultHistoryLimit is the number of messages loaded when a view opens.
const DefaultHistoryLimit = 100

// Session errors
var (
	ErrViewNotOpen    = errors.New("conversation view is not open")
	ErrViewerRequired = errors.New("viewer id is required")
	ErrNotMember      = errors.New("viewer is not a participant of the conversation")
	ErrUnknownLocalID = errors.New("no pending send with this local id")
	ErrEngineStopped  = errors.New("session engine is stopped")
)

// Notifier receives view changes. Implementations must not block.
type Notifier interface {
	TimelineChanged(viewerID, conversationID string, view render.View, compose attachment.Compose)
	NoticeRaised(viewerID, conversationID string, notice chat.Notice)
	CallStarted(viewerID, conversationID string, handle call.Handle)
}

// Config tunes the engine.
type Config struct {
	HistoryLimit  int
	TypingTTL     time.Duration
	Extractor     attachment.FrameExtractor
	FrameOffset   time.Duration
	ThumbnailSize int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:  DefaultHistoryLimit,
		TypingTTL:     typing.DefaultTTL,
		FrameOffset:   attachment.DefaultFrameOffset,
		ThumbnailSize: attachment.DefaultThumbnailSize,
	}
}

// SendResult reports the outcome of a send or retry.
type SendResult struct {
	LocalID string         `json:"local_id"`
	Entry   timeline.Entry `json:"entry"`
}

// MarkReadResult reports how many read sets changed.
type MarkReadResult struct {
	Marked      int `json:"marked"`
	UnreadCount int `json:"unread_count"`
}

type viewKey struct {
	viewer       string
	conversation string
}

// Engine owns every open view.
type Engine struct {
	api      backend.ChatAPI
	bus      bus.Bus
	receipts *receipts.Propagator
	calls    *call.Coordinator
	notifier Notifier
	metrics  *metrics.Metrics
	logger   types.Logger
	cfg      Config

	mu      sync.Mutex
	views   map[viewKey]*view
	stopped bool
	sends   sync.WaitGroup
}

// NewEngine creates an engine. notifier and m may be nil.
func NewEngine(api backend.ChatAPI, b bus.Bus, calls *call.Coordinator, notifier Notifier, m *metrics.Metrics, logger types.Logger, cfg Config) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Engine{
		api:      api,
		bus:      b,
		receipts: receipts.NewPropagator(b, api, logger),
		calls:    calls,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		views:    make(map[viewKey]*view),
	}
}

func invalid(op string, err error) error {
	return &chat.Error{Kind: chat.KindValidation, Op: op, Err: err}
}

func (e *Engine) view(op, viewerID, conversationID string) (*view, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[viewKey{viewerID, conversationID}]
	if !ok {
		return nil, invalid(op, fmt.Errorf("%w: %s", ErrViewNotOpen, conversationID))
	}
	return v, nil
}

// Open opens the view of conversationID for viewerID, loading history and
// subscribing to the conversation topic. Opening an open view returns its
// current state.
func (e *Engine) Open(ctx context.Context, viewerID, conversationID string) (render.View, error) {
	if viewerID == "" {
		return render.View{}, invalid("open conversation", ErrViewerRequired)
	}
	key := viewKey{viewerID, conversationID}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return render.View{}, ErrEngineStopped
	}
	if v, ok := e.views[key]; ok {
		e.mu.Unlock()
		return v.render(), nil
	}
	e.mu.Unlock()

	conv, err := e.api.GetConversation(ctx, conversationID)
	if err != nil {
		return render.View{}, chat.Classify("open conversation", err)
	}
	if _, ok := conv.Participant(viewerID); !ok {
		return render.View{}, invalid("open conversation", fmt.Errorf("%w: %s", ErrNotMember, viewerID))
	}

	v := e.newView(viewerID, conv)
	// Subscribe before loading history; merging is idempotent so messages
	// seen twice collapse.
	sub, err := e.bus.Subscribe(bus.ConversationTopic(conversationID), func(_ context.Context, payload []byte) {
		e.handle(v, payload)
	})
	if err != nil {
		v.teardown(ctx)
		return render.View{}, chat.Classify("open conversation", fmt.Errorf("%w: %v", chat.ErrRequestFailed, err))
	}
	v.mu.Lock()
	v.sub = sub
	v.mu.Unlock()

	history, err := e.api.ListMessages(ctx, conversationID, e.cfg.HistoryLimit)
	if err != nil {
		v.teardown(ctx)
		return render.View{}, chat.Classify("open conversation", err)
	}
	for _, msg := range history {
		if _, err := v.store.MergeRemote(msg); err != nil {
			e.logger.Warn("Skipping history message",
				"conversationID", conversationID, "messageID", msg.ID, "error", err)
		}
	}

	e.mu.Lock()
	if existing, ok := e.views[key]; ok || e.stopped {
		e.mu.Unlock()
		v.teardown(ctx)
		if !ok {
			return render.View{}, ErrEngineStopped
		}
		return existing.render(), nil
	}
	e.views[key] = v
	e.mu.Unlock()

	e.metrics.ViewOpened()
	e.logger.Info("Opened conversation view",
		"viewerID", viewerID, "conversationID", conversationID, "messages", len(history))
	return v.render(), nil
}

func (e *Engine) newView(viewerID string, conv chat.Conversation) *view {
	v := &view{
		engine:   e,
		viewerID: viewerID,
		conv:     conv,
		store:    timeline.NewStore(conv.ID),
		typing:   typing.NewTracker(conv.ID, viewerID, e.bus, e.logger, typing.WithTTL(e.cfg.TypingTTL)),
		pending:  make(map[string]pendingSend),
	}
	opts := []attachment.Option{
		attachment.WithOnChange(func(attachment.Compose) { e.emit(v) }),
	}
	if e.cfg.Extractor != nil {
		opts = append(opts, attachment.WithExtractor(e.cfg.Extractor))
	}
	if e.cfg.FrameOffset > 0 {
		opts = append(opts, attachment.WithFrameOffset(e.cfg.FrameOffset))
	}
	if e.cfg.ThumbnailSize > 0 {
		opts = append(opts, attachment.WithThumbnailSize(e.cfg.ThumbnailSize))
	}
	v.pipeline = attachment.NewPipeline(e.logger, opts...)
	return v
}

// Close closes a view. A final typing "false" is published if the viewer
// was drafting. Sends still in flight reconcile into the closed view.
func (e *Engine) Close(ctx context.Context, viewerID, conversationID string) error {
	key := viewKey{viewerID, conversationID}
	e.mu.Lock()
	v, ok := e.views[key]
	delete(e.views, key)
	e.mu.Unlock()
	if !ok {
		return invalid("close conversation", fmt.Errorf("%w: %s", ErrViewNotOpen, conversationID))
	}

	v.teardown(ctx)
	e.metrics.ViewClosed()
	e.logger.Info("Closed conversation view", "viewerID", viewerID, "conversationID", conversationID)
	return nil
}

// Timeline returns the rendered view and the attachment slot.
func (e *Engine) Timeline(viewerID, conversationID string) (render.View, attachment.Compose, error) {
	v, err := e.view("get timeline", viewerID, conversationID)
	if err != nil {
		return render.View{}, attachment.Compose{}, err
	}
	return v.render(), v.pipeline.Snapshot(), nil
}

// Send appends an optimistic entry for text plus the selected attachment
// and submits it. The send survives cancellation of ctx; a failure leaves
// a failed entry that can be retried or discarded.
func (e *Engine) Send(ctx context.Context, viewerID, conversationID, text string) (SendResult, error) {
	v, err := e.view("send message", viewerID, conversationID)
	if err != nil {
		return SendResult{}, err
	}

	out := v.pipeline.Prepare()
	draft := chat.Draft{SenderID: viewerID, Text: chat.TextPtr(text)}
	if out.File != nil {
		draft.AttachmentType = out.Category
	}
	if err := chat.ValidateDraft(draft, out.File != nil); err != nil {
		return SendResult{}, chat.Classify("send message", err)
	}

	entry, err := v.store.Append(draft, out.Preview())
	if err != nil {
		return SendResult{}, chat.Classify("send message", err)
	}
	v.mu.Lock()
	v.pending[entry.LocalID] = pendingSend{draft: draft, out: out}
	v.mu.Unlock()

	// The composer is cleared on send.
	if published, err := v.typing.Keystroke(ctx, ""); err != nil {
		e.logger.Warn("Failed to publish typing stop", "conversationID", conversationID, "error", err)
	} else if published {
		e.metrics.TypingEdge()
	}
	e.emit(v)

	return e.submit(ctx, v, entry.LocalID)
}

// Retry resubmits a failed send as it was authored.
func (e *Engine) Retry(ctx context.Context, viewerID, conversationID, localID string) (SendResult, error) {
	v, err := e.view("retry message", viewerID, conversationID)
	if err != nil {
		return SendResult{}, err
	}
	v.mu.Lock()
	_, ok := v.pending[localID]
	v.mu.Unlock()
	if !ok {
		return SendResult{}, invalid("retry message", fmt.Errorf("%w: %s", ErrUnknownLocalID, localID))
	}
	if err := v.store.MarkPending(localID); err != nil {
		return SendResult{}, invalid("retry message", err)
	}
	e.emit(v)
	return e.submit(ctx, v, localID)
}

func (e *Engine) submit(ctx context.Context, v *view, localID string) (SendResult, error) {
	v.mu.Lock()
	p := v.pending[localID]
	v.mu.Unlock()

	e.sends.Add(1)
	defer e.sends.Done()

	conversationID := v.store.ConversationID()
	msg, err := v.pipeline.Submit(context.WithoutCancel(ctx), conversationID, p.draft, p.out, e.api)
	if err != nil {
		if ferr := v.store.MarkFailed(localID); ferr != nil {
			e.logger.Warn("Failed to mark send as failed", "localID", localID, "error", ferr)
		}
		e.metrics.SendFailed(chat.KindOf(err))
		e.logger.Warn("Send failed",
			"viewerID", v.viewerID, "conversationID", conversationID, "localID", localID, "error", err)
		e.notice(v, chat.NoticeFor(err))
		e.emit(v)
		entry, _ := v.store.Timeline().Get(localID)
		return SendResult{LocalID: localID, Entry: entry}, err
	}

	entry, err := v.store.ReplaceOptimistic(localID, msg)
	if err != nil {
		// The send went through; keep the authoritative copy regardless.
		e.logger.Warn("Failed to reconcile send", "localID", localID, "messageID", msg.ID, "error", err)
		if entry, err = v.store.MergeRemote(msg); err != nil {
			return SendResult{LocalID: localID}, chat.Classify("send message", err)
		}
	}
	v.mu.Lock()
	delete(v.pending, localID)
	v.mu.Unlock()

	e.metrics.SendSucceeded()
	e.emit(v)
	return SendResult{LocalID: localID, Entry: entry}, nil
}

// Discard removes a failed send.
func (e *Engine) Discard(viewerID, conversationID, localID string) error {
	v, err := e.view("discard message", viewerID, conversationID)
	if err != nil {
		return err
	}
	if err := v.store.Discard(localID); err != nil {
		return invalid("discard message", err)
	}
	v.mu.Lock()
	delete(v.pending, localID)
	v.mu.Unlock()
	e.emit(v)
	return nil
}

// MarkRead marks messageID as read by the viewer. An empty messageID marks
// every confirmed message from other participants that is still unread.
func (e *Engine) MarkRead(ctx context.Context, viewerID, conversationID, messageID string) (MarkReadResult, error) {
	v, err := e.view("mark read", viewerID, conversationID)
	if err != nil {
		return MarkReadResult{}, err
	}

	var ids []string
	if messageID != "" {
		ids = []string{messageID}
	} else {
		for _, entry := range v.store.Snapshot() {
			if !entry.Optimistic() && entry.SenderID != viewerID && !entry.HasReader(viewerID) {
				ids = append(ids, entry.ID)
			}
		}
	}

	var res MarkReadResult
	for _, id := range ids {
		r, err := e.receipts.MarkRead(ctx, v.store, id, viewerID)
		if err != nil {
			return res, err
		}
		if r.Changed {
			res.Marked++
			e.metrics.ReceiptApplied()
		}
	}
	res.UnreadCount = chat.UnreadCount(v.store.Messages(), viewerID)
	if res.Marked > 0 {
		e.emit(v)
	}
	return res, nil
}

// Keystroke reports the current draft text of the viewer.
func (e *Engine) Keystroke(ctx context.Context, viewerID, conversationID, draft string) (bool, error) {
	v, err := e.view("keystroke", viewerID, conversationID)
	if err != nil {
		return false, err
	}
	published, err := v.typing.Keystroke(ctx, draft)
	if err != nil {
		return false, chat.Classify("keystroke", fmt.Errorf("%w: %v", chat.ErrRequestFailed, err))
	}
	if published {
		e.metrics.TypingEdge()
	}
	return published, nil
}

// SelectMode sets the attachment category the viewer picked.
func (e *Engine) SelectMode(viewerID, conversationID string, mode chat.AttachmentType) (attachment.Compose, error) {
	v, err := e.view("select mode", viewerID, conversationID)
	if err != nil {
		return attachment.Compose{}, err
	}
	if err := v.pipeline.SetMode(mode); err != nil {
		return v.pipeline.Snapshot(), err
	}
	e.emit(v)
	return v.pipeline.Snapshot(), nil
}

// SelectFile puts a file into the attachment slot.
func (e *Engine) SelectFile(viewerID, conversationID, name, declaredMIME string, data []byte) (attachment.Compose, error) {
	v, err := e.view("select file", viewerID, conversationID)
	if err != nil {
		return attachment.Compose{}, err
	}
	compose, err := v.pipeline.Select(name, declaredMIME, data)
	if err != nil {
		e.notice(v, chat.NoticeFor(err))
	}
	e.emit(v)
	return compose, err
}

// ResetAttachment clears the attachment slot.
func (e *Engine) ResetAttachment(viewerID, conversationID string) (attachment.Compose, error) {
	v, err := e.view("reset attachment", viewerID, conversationID)
	if err != nil {
		return attachment.Compose{}, err
	}
	v.pipeline.Reset()
	e.emit(v)
	return v.pipeline.Snapshot(), nil
}

// StartCall creates or joins the call of the conversation.
func (e *Engine) StartCall(ctx context.Context, viewerID, conversationID string) (call.Handle, error) {
	v, err := e.view("start call", viewerID, conversationID)
	if err != nil {
		return call.Handle{}, err
	}
	if e.calls == nil {
		return call.Handle{}, chat.Classify("start call", fmt.Errorf("%w: no call backend configured", chat.ErrCallBackend))
	}

	v.mu.Lock()
	conv := v.conv
	v.mu.Unlock()

	handle, err := e.calls.Start(ctx, conv)
	if err != nil {
		e.metrics.CallFailed()
		e.notice(v, chat.NoticeFor(err))
		return call.Handle{}, err
	}
	e.metrics.CallStarted(handle.Joined)
	e.notice(v, chat.CallCreatedNotice(handle.Joined))
	if e.notifier != nil {
		e.notifier.CallStarted(viewerID, conversationID, handle)
	}
	return handle, nil
}

// ExpireTyping drops stale remote typing indicators in every view.
func (e *Engine) ExpireTyping() {
	for _, v := range e.openViews() {
		if v.typing.Expire() {
			e.emit(v)
		}
	}
}

// Views lists the open (viewer, conversation) pairs.
func (e *Engine) Views() [][2]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][2]string, 0, len(e.views))
	for key := range e.views {
		out = append(out, [2]string{key.viewer, key.conversation})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

func (e *Engine) openViews() []*view {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*view, 0, len(e.views))
	for _, v := range e.views {
		out = append(out, v)
	}
	return out
}

// Shutdown closes every view and waits for in-flight sends and read
// acknowledgements.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.stopped = true
	views := e.views
	e.views = make(map[viewKey]*view)
	e.mu.Unlock()

	for _, v := range views {
		v.teardown(ctx)
		e.metrics.ViewClosed()
	}
	e.sends.Wait()
	e.receipts.Wait()
}

func (e *Engine) handle(v *view, payload []byte) {
	ev, err := bus.Decode(payload)
	if err != nil {
		e.logger.Warn("Dropping malformed envelope", "conversationID", v.store.ConversationID(), "error", err)
		return
	}
	e.metrics.BusEvent(string(ev.Kind))

	changed := false
	switch ev.Kind {
	case bus.KindMessage:
		if _, err := v.store.MergeRemote(*ev.Message); err != nil {
			e.logger.Warn("Failed to merge remote message",
				"conversationID", v.store.ConversationID(), "messageID", ev.Message.ID, "error", err)
			return
		}
		v.typing.ObserveMessage(*ev.Message)
		changed = true
	case bus.KindReadReceipt:
		_, changed, err = e.receipts.Fold(v.store, *ev.Receipt)
		if err != nil {
			e.logger.Debug("Ignoring read receipt",
				"conversationID", v.store.ConversationID(), "messageID", ev.Receipt.MessageID, "error", err)
			return
		}
	case bus.KindTyping:
		changed = v.typing.Observe(*ev.Typing)
	}
	if changed {
		e.emit(v)
	}
}

func (e *Engine) emit(v *view) {
	if e.notifier == nil || v.isClosed() {
		return
	}
	e.notifier.TimelineChanged(v.viewerID, v.store.ConversationID(), v.render(), v.pipeline.Snapshot())
}

func (e *Engine) notice(v *view, n chat.Notice) {
	if e.notifier == nil {
		return
	}
	e.notifier.NoticeRaised(v.viewerID, v.store.ConversationID(), n)
}
