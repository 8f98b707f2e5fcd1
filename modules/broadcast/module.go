package broadcast

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/events"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/render"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// Frame types pushed to WebSocket clients.
const (
	TypeConnected = "connected"
	TypeTimeline  = "timeline"
	TypeNotice    = "notice"
	TypeCall      = "call"
	TypeSummary   = "summary"
	TypeAck       = "ack"
	TypeError     = "error"
)

// BroadcastModule is an EventConsumerModule that delivers session events to
// the WebSocket clients of a viewer.
type BroadcastModule struct {
	hub       *Hub
	cancelHub context.CancelFunc
}

// Compile-time interface checks.
var _ mono.Module = (*BroadcastModule)(nil)
var _ mono.EventConsumerModule = (*BroadcastModule)(nil)
var _ mono.HealthCheckableModule = (*BroadcastModule)(nil)

// NewModule creates a new BroadcastModule.
func NewModule() *BroadcastModule {
	return &BroadcastModule{
		hub: NewHub(),
	}
}

// Name returns the module name.
func (m *BroadcastModule) Name() string {
	return "broadcast"
}

// Start initializes the module and starts the hub.
func (m *BroadcastModule) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelHub = cancel
	go m.hub.Run(ctx)
	log.Println("[broadcast] Module started - WebSocket hub running")
	return nil
}

// Stop shuts down the module.
func (m *BroadcastModule) Stop(_ context.Context) error {
	clientCount := m.hub.ClientCount()
	if m.cancelHub != nil {
		m.cancelHub()
		m.hub.Wait()
	}
	log.Printf("[broadcast] Module stopped - %d clients were connected", clientCount)
	return nil
}

// Health returns the health status.
func (m *BroadcastModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"connected_clients": m.hub.ClientCount(),
		},
	}
}

// RegisterEventConsumers registers event handlers.
func (m *BroadcastModule) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(
		registry, events.TimelineChangedV1, m.handleTimelineChanged, m,
	); err != nil {
		return fmt.Errorf("failed to register TimelineChanged consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.NoticeRaisedV1, m.handleNoticeRaised, m,
	); err != nil {
		return fmt.Errorf("failed to register NoticeRaised consumer: %w", err)
	}

	if err := helper.RegisterTypedEventConsumer(
		registry, events.CallStartedV1, m.handleCallStarted, m,
	); err != nil {
		return fmt.Errorf("failed to register CallStarted consumer: %w", err)
	}

	log.Println("[broadcast] Registered event consumers: TimelineChanged, NoticeRaised, CallStarted")
	return nil
}

// Event handlers

func (m *BroadcastModule) handleTimelineChanged(_ context.Context, event events.TimelineChangedEvent, _ *mono.Msg) error {
	view, compose := event.View, event.Compose
	m.hub.Broadcast(Target{ViewerID: event.ViewerID, ConversationID: event.ConversationID}, WSBroadcast{
		Type:           TypeTimeline,
		ViewerID:       event.ViewerID,
		ConversationID: event.ConversationID,
		View:           &view,
		Compose:        &compose,
		Timestamp:      event.Timestamp,
	})
	return nil
}

func (m *BroadcastModule) handleNoticeRaised(_ context.Context, event events.NoticeRaisedEvent, _ *mono.Msg) error {
	log.Printf("[broadcast] Notice %q for %s in %s", event.Notice.Title, event.ViewerID, event.ConversationID)

	notice := event.Notice
	m.hub.Broadcast(Target{ViewerID: event.ViewerID, ConversationID: event.ConversationID}, WSBroadcast{
		Type:           TypeNotice,
		ViewerID:       event.ViewerID,
		ConversationID: event.ConversationID,
		Notice:         &notice,
		Timestamp:      event.Timestamp,
	})
	return nil
}

func (m *BroadcastModule) handleCallStarted(_ context.Context, event events.CallStartedEvent, _ *mono.Msg) error {
	log.Printf("[broadcast] Call %s started by %s (joined=%t)", event.Session.ID, event.ViewerID, event.Joined)

	session := event.Session
	m.hub.Broadcast(Target{ViewerID: event.ViewerID, ConversationID: event.ConversationID}, WSBroadcast{
		Type:           TypeCall,
		ViewerID:       event.ViewerID,
		ConversationID: event.ConversationID,
		Call:           &session,
		Joined:         event.Joined,
		Timestamp:      event.Timestamp,
	})
	return nil
}

// GetHub returns the WebSocket hub for the API module to use.
func (m *BroadcastModule) GetHub() *Hub {
	return m.hub
}

// WSBroadcast is the structure sent to WebSocket clients.
type WSBroadcast struct {
	Type           string                    `json:"type"`
	ViewerID       string                    `json:"viewer_id,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	ClientID       string                    `json:"client_id,omitempty"`
	View           *render.View              `json:"view,omitempty"`
	Compose        *attachment.Compose       `json:"compose,omitempty"`
	Notice         *chat.Notice              `json:"notice,omitempty"`
	Call           *chat.CallSession         `json:"call,omitempty"`
	Joined         bool                      `json:"joined,omitempty"`
	Summary        *chat.ConversationSummary `json:"summary,omitempty"`
	Ack            string                    `json:"ack,omitempty"`
	Error          string                    `json:"error,omitempty"`
	Timestamp      time.Time                 `json:"timestamp,omitempty"`
}
