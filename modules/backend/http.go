package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/gofiber/fiber/v2"
)

// HTTPClient talks to a remote chat server exposing the Server routes.
type HTTPClient struct {
	baseURL string
	token   string
	timeout time.Duration
}

var _ ChatAPI = (*HTTPClient)(nil)

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, timeout: timeout}
}

func (h *HTTPClient) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return h.baseURL + "/" + strings.Join(escaped, "/")
}

func (h *HTTPClient) prepare(ctx context.Context, agent *fiber.Agent) *fiber.Agent {
	timeout := h.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	agent.Timeout(timeout)
	if h.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+h.token)
	}
	return agent
}

// do runs agent and decodes a JSON response into out.
func (h *HTTPClient) do(ctx context.Context, op string, agent *fiber.Agent, out any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %v", op, chat.ErrRequestFailed, err)
	}
	code, body, errs := h.prepare(ctx, agent).Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%s: %w: %v", op, chat.ErrRequestFailed, errs[0])
	}
	if code >= fiber.StatusBadRequest {
		return decodeError(op, code, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: %w: invalid response: %v", op, chat.ErrRequestFailed, err)
	}
	return nil
}

func decodeError(op string, code int, body []byte) error {
	var resp ErrorResponse
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &resp); err == nil && resp.Message != "" {
		message = resp.Message
	}

	switch code {
	case fiber.StatusRequestEntityTooLarge:
		return fmt.Errorf("%s: %w: %s", op, chat.ErrPayloadTooLarge, message)
	case fiber.StatusNotFound:
		return fmt.Errorf("%s: %w: %s", op, chat.ErrConversationNotFound, message)
	case fiber.StatusForbidden:
		return fmt.Errorf("%s: %w: %s", op, ErrNotParticipant, message)
	case fiber.StatusBadRequest:
		return chat.ErrorFromKind(chat.KindValidation, message)
	}
	// Some servers report oversize uploads with a generic status.
	if strings.Contains(strings.ToLower(message), "large") {
		return fmt.Errorf("%s: %w: %s", op, chat.ErrPayloadTooLarge, message)
	}
	return fmt.Errorf("%s: %w: status %d: %s", op, chat.ErrRequestFailed, code, message)
}

// GetConversation implements ChatAPI.
func (h *HTTPClient) GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := h.do(ctx, "get conversation", fiber.Get(h.url("conversations", conversationID)), &conv)
	return conv, err
}

// ListMessages implements ChatAPI.
func (h *HTTPClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	u := h.url("conversations", conversationID, "messages")
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var messages []chat.Message
	err := h.do(ctx, "list messages", fiber.Get(u), &messages)
	return messages, err
}

// SendChat implements ChatAPI.
func (h *HTTPClient) SendChat(ctx context.Context, conversationID string, draft chat.Draft) (chat.Message, error) {
	agent := fiber.Post(h.url("conversations", conversationID, "messages")).
		JSON(SendChatRequest{SenderID: draft.SenderID, Text: draft.Text})
	var msg chat.Message
	err := h.do(ctx, "send chat", agent, &msg)
	return msg, err
}

// SendAttachment implements ChatAPI with a multipart upload.
func (h *HTTPClient) SendAttachment(ctx context.Context, conversationID string, file chat.File, draft chat.Draft, thumbnail []byte) (chat.Message, error) {
	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set(FieldSenderID, draft.SenderID)
	args.Set(FieldAttachmentType, string(draft.AttachmentType))
	if draft.Text != nil {
		args.Set(FieldText, *draft.Text)
	}

	agent := fiber.Post(h.url("conversations", conversationID, "attachments")).
		FileData(&fiber.FormFile{Fieldname: FieldFile, Name: file.Name, Content: file.Data})
	if len(thumbnail) > 0 {
		agent.FileData(&fiber.FormFile{Fieldname: FieldThumbnail, Name: "thumbnail.png", Content: thumbnail})
	}
	agent.MultipartForm(args)

	var msg chat.Message
	err := h.do(ctx, "send attachment", agent, &msg)
	return msg, err
}

// MarkRead implements ChatAPI.
func (h *HTTPClient) MarkRead(ctx context.Context, conversationID, messageID, viewerID string) error {
	agent := fiber.Post(h.url("conversations", conversationID, "messages", messageID, "read")).
		JSON(MarkReadRequest{ViewerID: viewerID})
	return h.do(ctx, "mark read", agent, nil)
}
