package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/events"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/backend"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/example/chat-sync-engine/modules/call"
	"github.com/example/chat-sync-engine/modules/metrics"
	"github.com/example/chat-sync-engine/modules/render"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"
)

// Module exposes the engine as request-reply services and publishes view
// changes as events.
type Module struct {
	engine   *Engine
	eventBus mono.EventBus
	logger   types.Logger
	ttl      time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.EventBusAwareModule   = (*Module)(nil)
	_ mono.EventEmitterModule    = (*Module)(nil)
	_ mono.ServiceProviderModule = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
	_ Notifier                   = (*Module)(nil)
)

// NewModule creates the session module.
func NewModule(api backend.ChatAPI, b bus.Bus, calls *call.Coordinator, m *metrics.Metrics, logger types.Logger, cfg Config) *Module {
	mod := &Module{logger: logger, ttl: cfg.TypingTTL}
	mod.engine = NewEngine(api, b, calls, mod, m, logger, cfg)
	return mod
}

// Name returns the module name.
func (m *Module) Name() string {
	return "session"
}

// SetEventBus receives the EventBus from the framework.
func (m *Module) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// EmitEvents declares the events this module can emit.
func (m *Module) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.TimelineChangedV1.ToBase(),
		events.NoticeRaisedV1.ToBase(),
		events.CallStartedV1.ToBase(),
	}
}

// Engine returns the engine for direct use by transports that move
// payloads too large for request-reply, such as attachment uploads.
func (m *Module) Engine() *Engine {
	return m.engine
}

// Start launches the typing expiry loop.
func (m *Module) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if m.ttl > 0 {
		interval := max(m.ttl/3, time.Second)
		m.wg.Add(1)
		go m.expireLoop(ctx, interval)
	}
	log.Printf("[session] Module started (typing ttl %s)", m.ttl)
	return nil
}

func (m *Module) expireLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.engine.ExpireTyping()
		}
	}
}

// Stop closes every view and waits for in-flight work.
func (m *Module) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	views := len(m.engine.Views())
	m.engine.Shutdown(ctx)
	log.Printf("[session] Module stopped - %d views were open", views)
	return nil
}

// Health returns the health status.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"open_views": len(m.engine.Views()),
		},
	}
}

// TimelineChanged implements Notifier.
func (m *Module) TimelineChanged(viewerID, conversationID string, view render.View, compose attachment.Compose) {
	if m.eventBus == nil {
		return
	}
	m.publish(events.TimelineChangedV1.Publish(m.eventBus, events.TimelineChangedEvent{
		ViewerID:       viewerID,
		ConversationID: conversationID,
		View:           view,
		Compose:        compose,
		Timestamp:      time.Now(),
	}, nil), "TimelineChanged")
}

// NoticeRaised implements Notifier.
func (m *Module) NoticeRaised(viewerID, conversationID string, notice chat.Notice) {
	if m.eventBus == nil {
		return
	}
	m.publish(events.NoticeRaisedV1.Publish(m.eventBus, events.NoticeRaisedEvent{
		ViewerID:       viewerID,
		ConversationID: conversationID,
		Notice:         notice,
		Timestamp:      time.Now(),
	}, nil), "NoticeRaised")
}

// CallStarted implements Notifier.
func (m *Module) CallStarted(viewerID, conversationID string, handle call.Handle) {
	if m.eventBus == nil {
		return
	}
	m.publish(events.CallStartedV1.Publish(m.eventBus, events.CallStartedEvent{
		ViewerID:       viewerID,
		ConversationID: conversationID,
		Session:        handle.Session,
		Joined:         handle.Joined,
		Timestamp:      time.Now(),
	}, nil), "CallStarted")
}

func (m *Module) publish(err error, name string) {
	if err != nil {
		m.logger.Warn("Failed to publish event", "event", name, "error", err)
	}
}

// RegisterServices registers the request-reply services of the engine.
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceOpenConversation, json.Unmarshal, json.Marshal, m.handleOpen,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceOpenConversation, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceCloseConversation, json.Unmarshal, json.Marshal, m.handleClose,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceCloseConversation, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceGetTimeline, json.Unmarshal, json.Marshal, m.handleGetTimeline,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceGetTimeline, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceSendMessage, json.Unmarshal, json.Marshal, m.handleSend,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceSendMessage, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceRetryMessage, json.Unmarshal, json.Marshal, m.handleRetry,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceRetryMessage, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceDiscardMessage, json.Unmarshal, json.Marshal, m.handleDiscard,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceDiscardMessage, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceMarkRead, json.Unmarshal, json.Marshal, m.handleMarkRead,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceMarkRead, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceKeystroke, json.Unmarshal, json.Marshal, m.handleKeystroke,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceKeystroke, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceSelectMode, json.Unmarshal, json.Marshal, m.handleSelectMode,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceSelectMode, err)
	}
	if err := helper.RegisterTypedRequestReplyService(
		container, ServiceStartCall, json.Unmarshal, json.Marshal, m.handleStartCall,
	); err != nil {
		return fmt.Errorf("failed to register %s service: %w", ServiceStartCall, err)
	}

	m.logger.Info("Registered session services", "count", 10)
	return nil
}

// Failures are returned in the response body so their kind survives the
// trip; only transport errors fail the call itself.

func (m *Module) handleOpen(ctx context.Context, req ViewRequest, _ *mono.Msg) (ViewResponse, error) {
	view, err := m.engine.Open(ctx, req.ViewerID, req.ConversationID)
	if err != nil {
		return ViewResponse{Failure: failureOf(err)}, nil
	}
	_, compose, _ := m.engine.Timeline(req.ViewerID, req.ConversationID)
	return ViewResponse{View: view, Compose: compose}, nil
}

func (m *Module) handleClose(ctx context.Context, req ViewRequest, _ *mono.Msg) (CloseResponse, error) {
	if err := m.engine.Close(ctx, req.ViewerID, req.ConversationID); err != nil {
		return CloseResponse{Failure: failureOf(err)}, nil
	}
	return CloseResponse{Closed: true}, nil
}

func (m *Module) handleGetTimeline(_ context.Context, req ViewRequest, _ *mono.Msg) (ViewResponse, error) {
	view, compose, err := m.engine.Timeline(req.ViewerID, req.ConversationID)
	if err != nil {
		return ViewResponse{Failure: failureOf(err)}, nil
	}
	return ViewResponse{View: view, Compose: compose}, nil
}

func (m *Module) handleSend(ctx context.Context, req SendMessageRequest, _ *mono.Msg) (SendResponse, error) {
	res, err := m.engine.Send(ctx, req.ViewerID, req.ConversationID, req.Text)
	return SendResponse{Result: res, Failure: failureOf(err)}, nil
}

func (m *Module) handleRetry(ctx context.Context, req LocalIDRequest, _ *mono.Msg) (SendResponse, error) {
	res, err := m.engine.Retry(ctx, req.ViewerID, req.ConversationID, req.LocalID)
	return SendResponse{Result: res, Failure: failureOf(err)}, nil
}

func (m *Module) handleDiscard(_ context.Context, req LocalIDRequest, _ *mono.Msg) (DiscardResponse, error) {
	if err := m.engine.Discard(req.ViewerID, req.ConversationID, req.LocalID); err != nil {
		return DiscardResponse{Failure: failureOf(err)}, nil
	}
	return DiscardResponse{Discarded: true}, nil
}

func (m *Module) handleMarkRead(ctx context.Context, req MarkReadRequest, _ *mono.Msg) (MarkReadResponse, error) {
	res, err := m.engine.MarkRead(ctx, req.ViewerID, req.ConversationID, req.MessageID)
	return MarkReadResponse{Result: res, Failure: failureOf(err)}, nil
}

func (m *Module) handleKeystroke(ctx context.Context, req KeystrokeRequest, _ *mono.Msg) (KeystrokeResponse, error) {
	published, err := m.engine.Keystroke(ctx, req.ViewerID, req.ConversationID, req.Draft)
	return KeystrokeResponse{Published: published, Failure: failureOf(err)}, nil
}

func (m *Module) handleSelectMode(_ context.Context, req SelectModeRequest, _ *mono.Msg) (ComposeResponse, error) {
	compose, err := m.engine.SelectMode(req.ViewerID, req.ConversationID, req.Mode)
	return ComposeResponse{Compose: compose, Failure: failureOf(err)}, nil
}

func (m *Module) handleStartCall(ctx context.Context, req ViewRequest, _ *mono.Msg) (StartCallResponse, error) {
	handle, err := m.engine.StartCall(ctx, req.ViewerID, req.ConversationID)
	if err != nil {
		return StartCallResponse{Failure: failureOf(err)}, nil
	}
	return StartCallResponse{
		Session: handle.Session,
		Joined:  handle.Joined,
		Notice:  chat.CallCreatedNotice(handle.Joined),
	}, nil
}
