package session

import (
	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/render"
)

// Service names registered by the session module.
const (
	ServiceOpenConversation  = "open-conversation"
	ServiceCloseConversation = "close-conversation"
	ServiceGetTimeline       = "get-timeline"
	ServiceSendMessage       = "send-message"
	ServiceRetryMessage      = "retry-message"
	ServiceDiscardMessage    = "discard-message"
	ServiceMarkRead          = "mark-read"
	ServiceKeystroke         = "keystroke"
	ServiceSelectMode        = "select-mode"
	ServiceStartCall         = "start-call"
)

// Failure is an error that crossed the service boundary.
type Failure struct {
	Kind    chat.ErrorKind `json:"kind"`
	Message string         `json:"message"`
	Notice  chat.Notice    `json:"notice"`
}

func failureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: chat.KindOf(err), Message: err.Error(), Notice: chat.NoticeFor(err)}
}

// Err rebuilds a classified error from f.
func (f *Failure) Err() error {
	if f == nil {
		return nil
	}
	return chat.ErrorFromKind(f.Kind, f.Message)
}

// ViewRequest addresses one conversation view.
type ViewRequest struct {
	ViewerID       string `json:"viewer_id"`
	ConversationID string `json:"conversation_id"`
}

// ViewResponse carries the rendered view.
type ViewResponse struct {
	View    render.View        `json:"view"`
	Compose attachment.Compose `json:"compose"`
	Failure *Failure           `json:"failure,omitempty"`
}

// CloseResponse is the reply to a close.
type CloseResponse struct {
	Closed  bool     `json:"closed"`
	Failure *Failure `json:"failure,omitempty"`
}

// SendMessageRequest submits the composer content.
type SendMessageRequest struct {
	ViewerID       string `json:"viewer_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// LocalIDRequest addresses an optimistic entry.
type LocalIDRequest struct {
	ViewerID       string `json:"viewer_id"`
	ConversationID string `json:"conversation_id"`
	LocalID        string `json:"local_id"`
}

// SendResponse is the reply to a send or retry.
type SendResponse struct {
	Result  SendResult `json:"result"`
	Failure *Failure   `json:"failure,omitempty"`
}

// DiscardResponse is the reply to a discard.
type DiscardResponse struct {
	Discarded bool     `json:"discarded"`
	Failure   *Failure `json:"failure,omitempty"`
}

// MarkReadRequest marks one message, or every unread one when MessageID
// is empty.
type MarkReadRequest struct {
	ViewerID       string `json:"viewer_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
}

// MarkReadResponse is the reply to a mark-read.
type MarkReadResponse struct {
	Result  MarkReadResult `json:"result"`
	Failure *Failure       `json:"failure,omitempty"`
}

// KeystrokeRequest reports the current draft text.
type KeystrokeRequest struct {
	ViewerID       string `json:"viewer_id"`
	ConversationID string `json:"conversation_id"`
	Draft          string `json:"draft"`
}

// KeystrokeResponse reports whether a typing edge was published.
type KeystrokeResponse struct {
	Published bool     `json:"published"`
	Failure   *Failure `json:"failure,omitempty"`
}

// SelectModeRequest sets the attachment category.
type SelectModeRequest struct {
	ViewerID       string              `json:"viewer_id"`
	ConversationID string              `json:"conversation_id"`
	Mode           chat.AttachmentType `json:"mode"`
}

// ComposeResponse carries the attachment slot.
type ComposeResponse struct {
	Compose attachment.Compose `json:"compose"`
	Failure *Failure           `json:"failure,omitempty"`
}

// StartCallResponse is the reply to a call start.
type StartCallResponse struct {
	Session chat.CallSession `json:"session"`
	Joined  bool             `json:"joined"`
	Notice  chat.Notice      `json:"notice"`
	Failure *Failure         `json:"failure,omitempty"`
}
