package call

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/gofiber/fiber/v2"
)

// LocalBackend treats the registry as the call service: the first claim
// of a session id creates the call, later claims join it.
type LocalBackend struct {
	registry Registry
	ttl      time.Duration
}

// NewLocalBackend creates a backend over registry.
func NewLocalBackend(registry Registry, ttl time.Duration) *LocalBackend {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &LocalBackend{registry: registry, ttl: ttl}
}

// CreateOrJoin implements Backend.
func (b *LocalBackend) CreateOrJoin(ctx context.Context, sessionID string, opts Options) (Handle, error) {
	if sessionID == "" || opts.ConversationID == "" {
		return Handle{}, fmt.Errorf("session id and conversation id are required")
	}
	refs := make([]string, len(opts.Members))
	for i, m := range opts.Members {
		refs[i] = m.UserID
	}

	session := chat.CallSession{
		ID:              sessionID,
		ConversationID:  opts.ConversationID,
		CreatedAtSecond: opts.CreatedAtSecond,
		MemberRefs:      refs,
	}
	stored, created, err := b.registry.Claim(ctx, session, b.ttl)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Session: stored, Joined: !created}, nil
}

// HTTPBackend calls a remote call service over HTTP.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

// NewHTTPBackend creates a remote call backend.
func NewHTTPBackend(baseURL, apiKey string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, timeout: timeout}
}

// CreateOrJoin implements Backend with POST {base}/calls/{type}/{id}/join.
func (b *HTTPBackend) CreateOrJoin(ctx context.Context, sessionID string, opts Options) (Handle, error) {
	timeout := b.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	agent := fiber.Post(fmt.Sprintf("%s/calls/%s/%s/join", b.baseURL, opts.Type, sessionID)).
		JSON(opts).
		Timeout(timeout)
	if b.apiKey != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+b.apiKey)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return Handle{}, fmt.Errorf("call service request failed: %w", errs[0])
	}
	if code >= fiber.StatusBadRequest {
		return Handle{}, fmt.Errorf("call service returned %d: %s", code, strings.TrimSpace(string(body)))
	}

	var h Handle
	if err := json.Unmarshal(body, &h); err != nil {
		return Handle{}, fmt.Errorf("invalid call service response: %w", err)
	}
	if h.Session.ID == "" {
		h.Session = chat.CallSession{ID: sessionID, ConversationID: opts.ConversationID, CreatedAtSecond: opts.CreatedAtSecond}
	}
	return h, nil
}
