package events

import (
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/render"
	"github.com/go-monolith/mono/pkg/helper"
)

// TimelineChangedEvent is emitted whenever a viewer's conversation view
// changes: a send, a merged remote message, a receipt, a typing signal or
// an attachment slot transition.
type TimelineChangedEvent struct {
	ViewerID       string             `json:"viewer_id"`
	ConversationID string             `json:"conversation_id"`
	View           render.View        `json:"view"`
	Compose        attachment.Compose `json:"compose"`
	Timestamp      time.Time          `json:"timestamp"`
}

// NoticeRaisedEvent carries a user-facing notification for one viewer.
type NoticeRaisedEvent struct {
	ViewerID       string      `json:"viewer_id"`
	ConversationID string      `json:"conversation_id"`
	Notice         chat.Notice `json:"notice"`
	Timestamp      time.Time   `json:"timestamp"`
}

// CallStartedEvent is emitted after a call session was created or joined.
type CallStartedEvent struct {
	ViewerID       string           `json:"viewer_id"`
	ConversationID string           `json:"conversation_id"`
	Session        chat.CallSession `json:"session"`
	Joined         bool             `json:"joined"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Event definitions for the session domain.
var (
	TimelineChangedV1 = helper.EventDefinition[TimelineChangedEvent](
		"session",
		"TimelineChanged",
		"v1",
	)

	NoticeRaisedV1 = helper.EventDefinition[NoticeRaisedEvent](
		"session",
		"NoticeRaised",
		"v1",
	)

	CallStartedV1 = helper.EventDefinition[CallStartedEvent](
		"session",
		"CallStarted",
		"v1",
	)
)
