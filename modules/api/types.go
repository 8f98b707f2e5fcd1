package api

import (
	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/render"
	"github.com/example/chat-sync-engine/modules/session"
)

// Inbound WebSocket frame types.
const (
	WSTypeKeystroke = "keystroke"
	WSTypeSend      = "send"
	WSTypeRetry     = "retry"
	WSTypeDiscard   = "discard"
	WSTypeRead      = "read"
	WSTypeMode      = "mode"
	WSTypeCall      = "call"
	WSTypeTimeline  = "timeline"
)

// WSMessage is a frame sent by a WebSocket client.
type WSMessage struct {
	Type      string              `json:"type"`
	Draft     string              `json:"draft,omitempty"`
	Text      string              `json:"text,omitempty"`
	MessageID string              `json:"message_id,omitempty"`
	LocalID   string              `json:"local_id,omitempty"`
	Mode      chat.AttachmentType `json:"mode,omitempty"`
}

// SendRequest is the API request to send the composer content.
type SendRequest struct {
	Text string `json:"text"`
}

// KeystrokeRequest is the API request reporting the draft text.
type KeystrokeRequest struct {
	Draft string `json:"draft"`
}

// MarkReadRequest marks one message, or every unread one when MessageID is
// empty.
type MarkReadRequest struct {
	MessageID string `json:"message_id"`
}

// ModeRequest is the API request selecting the attachment category.
type ModeRequest struct {
	Mode chat.AttachmentType `json:"mode"`
}

// TimelineResponse is the API response carrying a rendered view.
type TimelineResponse struct {
	View    render.View        `json:"view"`
	Compose attachment.Compose `json:"compose"`
}

// SendResponse is the API response to a send or retry.
type SendResponse struct {
	Result session.SendResult `json:"result"`
}

// KeystrokeResponse reports whether a typing edge was published.
type KeystrokeResponse struct {
	Published bool `json:"published"`
}

// CallResponse is the API response to a call start.
type CallResponse struct {
	Session chat.CallSession `json:"session"`
	Joined  bool             `json:"joined"`
	Notice  chat.Notice      `json:"notice"`
}

// ErrorResponse is the API error response.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Notice  *chat.Notice `json:"notice,omitempty"`
}

// HealthResponse is the API health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}
