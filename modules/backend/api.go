// Package backend provides the authoritative chat API consumed by the
// engine: an in-memory server for standalone runs and an HTTP client for
// a remote one.
package backend

import (
	"context"
	"errors"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/receipts"
)

// DefaultMaxAttachmentSize is the upload limit.
const DefaultMaxAttachmentSize int64 = 10 << 20

// Backend errors
var (
	ErrNotParticipant     = errors.New("sender is not a participant")
	ErrNoParticipants     = errors.New("conversation needs participants")
	ErrBadParticipant     = errors.New("participant ids must be unique and non-empty")
	ErrConversationExists = errors.New("conversation already exists")
)

// ChatAPI is the authoritative chat service.
type ChatAPI interface {
	attachment.Uploader
	receipts.Acker

	GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)
}

// SendChatRequest is the wire body of a text send.
type SendChatRequest struct {
	SenderID string  `json:"sender_id"`
	Text     *string `json:"text"`
}

// MarkReadRequest is the wire body of a read acknowledgement.
type MarkReadRequest struct {
	ViewerID string `json:"viewer_id"`
}

// ErrorResponse is the error body returned by the backend routes.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
