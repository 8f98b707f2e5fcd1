package api

import (
	"io"
	"strings"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/backend"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HeaderViewer names the acting viewer of a REST request.
const HeaderViewer = "X-Viewer-ID"

const localViewer = "viewer"

// setupRoutes configures all HTTP routes.
func (m *APIModule) setupRoutes(app *fiber.App) {
	app.Get("/health", m.healthHandler)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// WebSocket endpoint
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(m.handleWebSocket))

	// Session API v1
	api := app.Group("/api/v1", requireViewer)
	conv := api.Group("/conversations/:id")
	conv.Post("/open", m.openConversation)
	conv.Post("/close", m.closeConversation)
	conv.Get("/timeline", m.getTimeline)
	conv.Post("/messages", m.sendMessage)
	conv.Post("/messages/:localId/retry", m.retryMessage)
	conv.Post("/messages/:localId/discard", m.discardMessage)
	conv.Post("/read", m.markRead)
	conv.Post("/typing", m.keystroke)
	conv.Post("/attachments/mode", m.selectMode)
	conv.Post("/attachments", m.selectFile)
	conv.Delete("/attachments", m.resetAttachment)
	conv.Post("/attachments/send", m.sendMessage)
	conv.Post("/calls", m.startCall)

	// In-process chat backend
	if m.backend != nil {
		m.backend.Register(app.Group("/backend/v1"))
	}
}

func requireViewer(c *fiber.Ctx) error {
	viewer := strings.TrimSpace(c.Get(HeaderViewer))
	if viewer == "" {
		viewer = strings.TrimSpace(c.Query("viewer"))
	}
	if viewer == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{
			Error:   "viewer_required",
			Message: "Set the " + HeaderViewer + " header",
		})
	}
	c.Locals(localViewer, viewer)
	return c.Next()
}

func viewerOf(c *fiber.Ctx) string {
	v, _ := c.Locals(localViewer).(string)
	return v
}

// fail writes err as an ErrorResponse with the notice the user should see.
func fail(c *fiber.Ctx, err error) error {
	status := backend.StatusFor(err)
	notice := chat.NoticeFor(err)
	return c.Status(status).JSON(ErrorResponse{
		Error:   string(chat.KindOf(err)),
		Message: err.Error(),
		Notice:  &notice,
	})
}

func invalidBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Error:   "invalid_request",
		Message: "Invalid request body",
	})
}

// healthHandler handles GET /health.
func (m *APIModule) healthHandler(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status: "healthy",
		Details: map[string]any{
			"module":            "api",
			"connected_clients": m.hub.ClientCount(),
		},
	})
}

// openConversation handles POST /api/v1/conversations/:id/open.
func (m *APIModule) openConversation(c *fiber.Ctx) error {
	viewerID, conversationID := viewerOf(c), c.Params("id")
	view, compose, err := m.sessions.Open(c.UserContext(), viewerID, conversationID)
	if err != nil {
		return fail(c, err)
	}
	m.retainREST(viewerID, conversationID)
	return c.JSON(TimelineResponse{View: view, Compose: compose})
}

// closeConversation handles POST /api/v1/conversations/:id/close. The
// view stays open while websocket clients still use it.
func (m *APIModule) closeConversation(c *fiber.Ctx) error {
	viewerID, conversationID := viewerOf(c), c.Params("id")
	if !m.releaseREST(viewerID, conversationID) {
		return c.SendStatus(fiber.StatusNoContent)
	}
	if err := m.sessions.Close(c.UserContext(), viewerID, conversationID); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// getTimeline handles GET /api/v1/conversations/:id/timeline.
func (m *APIModule) getTimeline(c *fiber.Ctx) error {
	view, compose, err := m.sessions.Timeline(c.UserContext(), viewerOf(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(TimelineResponse{View: view, Compose: compose})
}

// sendMessage handles POST /api/v1/conversations/:id/messages. The
// selected attachment, if any, goes with the text.
func (m *APIModule) sendMessage(c *fiber.Ctx) error {
	var req SendRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return invalidBody(c)
		}
	}
	res, err := m.sessions.Send(c.UserContext(), viewerOf(c), c.Params("id"), req.Text)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(SendResponse{Result: res})
}

// retryMessage handles POST /api/v1/conversations/:id/messages/:localId/retry.
func (m *APIModule) retryMessage(c *fiber.Ctx) error {
	res, err := m.sessions.Retry(c.UserContext(), viewerOf(c), c.Params("id"), c.Params("localId"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(SendResponse{Result: res})
}

// discardMessage handles POST /api/v1/conversations/:id/messages/:localId/discard.
func (m *APIModule) discardMessage(c *fiber.Ctx) error {
	if err := m.sessions.Discard(c.UserContext(), viewerOf(c), c.Params("id"), c.Params("localId")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// markRead handles POST /api/v1/conversations/:id/read.
func (m *APIModule) markRead(c *fiber.Ctx) error {
	var req MarkReadRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return invalidBody(c)
		}
	}
	res, err := m.sessions.MarkRead(c.UserContext(), viewerOf(c), c.Params("id"), req.MessageID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(res)
}

// keystroke handles POST /api/v1/conversations/:id/typing.
func (m *APIModule) keystroke(c *fiber.Ctx) error {
	var req KeystrokeRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}
	published, err := m.sessions.Keystroke(c.UserContext(), viewerOf(c), c.Params("id"), req.Draft)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(KeystrokeResponse{Published: published})
}

// selectMode handles POST /api/v1/conversations/:id/attachments/mode.
func (m *APIModule) selectMode(c *fiber.Ctx) error {
	var req ModeRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}
	compose, err := m.sessions.SelectMode(c.UserContext(), viewerOf(c), c.Params("id"), req.Mode)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(compose)
}

// selectFile handles POST /api/v1/conversations/:id/attachments, a
// multipart upload with the file under "file".
func (m *APIModule) selectFile(c *fiber.Ctx) error {
	header, err := c.FormFile(backend.FieldFile)
	if err != nil {
		return fail(c, chat.Classify("select file", chat.ErrNoFileSelected))
	}
	f, err := header.Open()
	if err != nil {
		return fail(c, chat.Classify("select file", err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fail(c, chat.Classify("select file", err))
	}

	compose, err := m.attachments.SelectFile(viewerOf(c), c.Params("id"),
		header.Filename, header.Header.Get(fiber.HeaderContentType), data)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(compose)
}

// resetAttachment handles DELETE /api/v1/conversations/:id/attachments.
func (m *APIModule) resetAttachment(c *fiber.Ctx) error {
	compose, err := m.attachments.ResetAttachment(viewerOf(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(compose)
}

// startCall handles POST /api/v1/conversations/:id/calls.
func (m *APIModule) startCall(c *fiber.Ctx) error {
	handle, err := m.sessions.StartCall(c.UserContext(), viewerOf(c), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(CallResponse{
		Session: handle.Session,
		Joined:  handle.Joined,
		Notice:  chat.CallCreatedNotice(handle.Joined),
	})
}
