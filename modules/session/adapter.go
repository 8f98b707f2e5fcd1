package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/call"
	"github.com/example/chat-sync-engine/modules/render"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// SessionPort defines the session operations other modules may use.
type SessionPort interface {
	Open(ctx context.Context, viewerID, conversationID string) (render.View, attachment.Compose, error)
	Close(ctx context.Context, viewerID, conversationID string) error
	Timeline(ctx context.Context, viewerID, conversationID string) (render.View, attachment.Compose, error)
	Send(ctx context.Context, viewerID, conversationID, text string) (SendResult, error)
	Retry(ctx context.Context, viewerID, conversationID, localID string) (SendResult, error)
	Discard(ctx context.Context, viewerID, conversationID, localID string) error
	MarkRead(ctx context.Context, viewerID, conversationID, messageID string) (MarkReadResult, error)
	Keystroke(ctx context.Context, viewerID, conversationID, draft string) (bool, error)
	SelectMode(ctx context.Context, viewerID, conversationID string, mode chat.AttachmentType) (attachment.Compose, error)
	StartCall(ctx context.Context, viewerID, conversationID string) (call.Handle, error)
}

// SessionAdapter implements SessionPort using the service container.
type SessionAdapter struct {
	container mono.ServiceContainer
}

// NewSessionAdapter creates a new SessionAdapter.
func NewSessionAdapter(container mono.ServiceContainer) SessionPort {
	if container == nil {
		panic("session: ServiceContainer is nil")
	}
	return &SessionAdapter{container: container}
}

func invoke[Req, Resp any](ctx context.Context, container mono.ServiceContainer, service string, req *Req, resp *Resp) error {
	if err := helper.CallRequestReplyService(
		ctx,
		container,
		service,
		json.Marshal,
		json.Unmarshal,
		req,
		resp,
	); err != nil {
		return chat.Classify(service, fmt.Errorf("%w: %v", chat.ErrRequestFailed, err))
	}
	return nil
}

// Open opens a conversation view.
func (a *SessionAdapter) Open(ctx context.Context, viewerID, conversationID string) (render.View, attachment.Compose, error) {
	req := ViewRequest{ViewerID: viewerID, ConversationID: conversationID}
	var resp ViewResponse
	if err := invoke(ctx, a.container, ServiceOpenConversation, &req, &resp); err != nil {
		return render.View{}, attachment.Compose{}, err
	}
	return resp.View, resp.Compose, resp.Failure.Err()
}

// Close closes a conversation view.
func (a *SessionAdapter) Close(ctx context.Context, viewerID, conversationID string) error {
	req := ViewRequest{ViewerID: viewerID, ConversationID: conversationID}
	var resp CloseResponse
	if err := invoke(ctx, a.container, ServiceCloseConversation, &req, &resp); err != nil {
		return err
	}
	return resp.Failure.Err()
}

// Timeline returns the rendered view of an open conversation.
func (a *SessionAdapter) Timeline(ctx context.Context, viewerID, conversationID string) (render.View, attachment.Compose, error) {
	req := ViewRequest{ViewerID: viewerID, ConversationID: conversationID}
	var resp ViewResponse
	if err := invoke(ctx, a.container, ServiceGetTimeline, &req, &resp); err != nil {
		return render.View{}, attachment.Compose{}, err
	}
	return resp.View, resp.Compose, resp.Failure.Err()
}

// Send submits the composer content.
func (a *SessionAdapter) Send(ctx context.Context, viewerID, conversationID, text string) (SendResult, error) {
	req := SendMessageRequest{ViewerID: viewerID, ConversationID: conversationID, Text: text}
	var resp SendResponse
	if err := invoke(ctx, a.container, ServiceSendMessage, &req, &resp); err != nil {
		return SendResult{}, err
	}
	return resp.Result, resp.Failure.Err()
}

// Retry resubmits a failed send.
func (a *SessionAdapter) Retry(ctx context.Context, viewerID, conversationID, localID string) (SendResult, error) {
	req := LocalIDRequest{ViewerID: viewerID, ConversationID: conversationID, LocalID: localID}
	var resp SendResponse
	if err := invoke(ctx, a.container, ServiceRetryMessage, &req, &resp); err != nil {
		return SendResult{}, err
	}
	return resp.Result, resp.Failure.Err()
}

// Discard removes a failed send.
func (a *SessionAdapter) Discard(ctx context.Context, viewerID, conversationID, localID string) error {
	req := LocalIDRequest{ViewerID: viewerID, ConversationID: conversationID, LocalID: localID}
	var resp DiscardResponse
	if err := invoke(ctx, a.container, ServiceDiscardMessage, &req, &resp); err != nil {
		return err
	}
	return resp.Failure.Err()
}

// MarkRead marks messages as read.
func (a *SessionAdapter) MarkRead(ctx context.Context, viewerID, conversationID, messageID string) (MarkReadResult, error) {
	req := MarkReadRequest{ViewerID: viewerID, ConversationID: conversationID, MessageID: messageID}
	var resp MarkReadResponse
	if err := invoke(ctx, a.container, ServiceMarkRead, &req, &resp); err != nil {
		return MarkReadResult{}, err
	}
	return resp.Result, resp.Failure.Err()
}

// Keystroke reports the current draft.
func (a *SessionAdapter) Keystroke(ctx context.Context, viewerID, conversationID, draft string) (bool, error) {
	req := KeystrokeRequest{ViewerID: viewerID, ConversationID: conversationID, Draft: draft}
	var resp KeystrokeResponse
	if err := invoke(ctx, a.container, ServiceKeystroke, &req, &resp); err != nil {
		return false, err
	}
	return resp.Published, resp.Failure.Err()
}

// SelectMode sets the attachment category.
func (a *SessionAdapter) SelectMode(ctx context.Context, viewerID, conversationID string, mode chat.AttachmentType) (attachment.Compose, error) {
	req := SelectModeRequest{ViewerID: viewerID, ConversationID: conversationID, Mode: mode}
	var resp ComposeResponse
	if err := invoke(ctx, a.container, ServiceSelectMode, &req, &resp); err != nil {
		return attachment.Compose{}, err
	}
	return resp.Compose, resp.Failure.Err()
}

// StartCall creates or joins the conversation call.
func (a *SessionAdapter) StartCall(ctx context.Context, viewerID, conversationID string) (call.Handle, error) {
	req := ViewRequest{ViewerID: viewerID, ConversationID: conversationID}
	var resp StartCallResponse
	if err := invoke(ctx, a.container, ServiceStartCall, &req, &resp); err != nil {
		return call.Handle{}, err
	}
	if err := resp.Failure.Err(); err != nil {
		return call.Handle{}, err
	}
	return call.Handle{Session: resp.Session, Joined: resp.Joined}, nil
}
