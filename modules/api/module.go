package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/backend"
	"github.com/example/chat-sync-engine/modules/broadcast"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/example/chat-sync-engine/modules/session"
	"github.com/go-monolith/mono"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// Defaults of Config.
const (
	DefaultPort      = "3000"
	DefaultWSRate    = 20
	DefaultWSBurst   = 40
	DefaultBodyLimit = 12 * 1024 * 1024
)

// Config holds the HTTP server settings.
type Config struct {
	Port      string
	WSRate    float64 // inbound frames per second per connection
	WSBurst   int
	BodyLimit int
	// AllowOrigins is a comma-separated CORS origin list; empty allows all.
	AllowOrigins string
}

// AttachmentSelector moves selected files into a view's attachment slot.
// Files are too large for request-reply, so the engine is used directly.
type AttachmentSelector interface {
	SelectFile(viewerID, conversationID, name, declaredMIME string, data []byte) (attachment.Compose, error)
	ResetAttachment(viewerID, conversationID string) (attachment.Compose, error)
}

type viewRef struct {
	viewer       string
	conversation string
}

// APIModule is the HTTP API module with WebSocket support.
type APIModule struct {
	app         *fiber.App
	cfg         Config
	sessions    session.SessionPort
	attachments AttachmentSelector
	hub         *broadcast.Hub
	bus         bus.Bus
	backend     *backend.Server

	mu       sync.Mutex
	refs     map[viewRef]int      // holders per view: websocket clients plus REST
	restHeld map[viewRef]struct{} // views opened over REST
}

// Compile-time interface checks.
var _ mono.Module = (*APIModule)(nil)
var _ mono.DependentModule = (*APIModule)(nil)
var _ mono.HealthCheckableModule = (*APIModule)(nil)

// NewModule creates a new APIModule.
func NewModule(cfg Config) *APIModule {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.WSRate <= 0 {
		cfg.WSRate = DefaultWSRate
	}
	if cfg.WSBurst <= 0 {
		cfg.WSBurst = DefaultWSBurst
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}
	return &APIModule{
		cfg:  cfg,
		refs:     make(map[viewRef]int),
		restHeld: make(map[viewRef]struct{}),
	}
}

// Name returns the module name.
func (m *APIModule) Name() string {
	return "api"
}

// Dependencies returns the list of module dependencies.
func (m *APIModule) Dependencies() []string {
	return []string{"session"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
func (m *APIModule) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	switch dependency {
	case "session":
		m.sessions = session.NewSessionAdapter(container)
	}
}

// SetHub sets the broadcast hub (called from main.go).
func (m *APIModule) SetHub(hub *broadcast.Hub) {
	m.hub = hub
}

// SetAttachments sets the attachment selector (called from main.go).
func (m *APIModule) SetAttachments(sel AttachmentSelector) {
	m.attachments = sel
}

// SetBus sets the bus used to forward conversation summaries to clients.
func (m *APIModule) SetBus(b bus.Bus) {
	m.bus = b
}

// SetBackend mounts the in-process chat backend under /backend/v1.
func (m *APIModule) SetBackend(s *backend.Server) {
	m.backend = s
}

// Start initializes the Fiber HTTP server.
func (m *APIModule) Start(_ context.Context) error {
	if m.sessions == nil {
		return fmt.Errorf("session adapter dependency not set")
	}
	if m.hub == nil {
		return fmt.Errorf("broadcast hub dependency not set")
	}
	if m.attachments == nil {
		return fmt.Errorf("attachment selector dependency not set")
	}

	m.app = m.newApp()

	// Start server in goroutine with startup error detection
	errCh := make(chan error, 1)
	go func() {
		if err := m.app.Listen(":" + m.cfg.Port); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	log.Printf("[api] HTTP server started on :%s", m.cfg.Port)
	return nil
}

func (m *APIModule) newApp() *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler,
		BodyLimit:             m.cfg.BodyLimit,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          60 * time.Second,
		IdleTimeout:           120 * time.Second,
	})

	app.Use(recover.New())
	origins := m.cfg.AllowOrigins
	if origins == "" {
		origins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization," + HeaderViewer,
	}))
	app.Use(loggerMiddleware())

	m.setupRoutes(app)
	return app
}

// Stop shuts down the Fiber HTTP server.
func (m *APIModule) Stop(_ context.Context) error {
	if m.app == nil {
		return nil
	}
	log.Println("[api] Shutting down HTTP server...")
	return m.app.Shutdown()
}

// Health returns the health status.
func (m *APIModule) Health(_ context.Context) mono.HealthStatus {
	clients := 0
	if m.hub != nil {
		clients = m.hub.ClientCount()
	}
	return mono.HealthStatus{
		Healthy: m.app != nil,
		Message: "operational",
		Details: map[string]any{
			"port":              m.cfg.Port,
			"connected_clients": clients,
		},
	}
}

// retain counts a client of the view.
func (m *APIModule) retain(viewerID, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[viewRef{viewerID, conversationID}]++
}

// retainREST takes the REST reference of the view once, however many
// times /open is called.
func (m *APIModule) retainREST(viewerID, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := viewRef{viewerID, conversationID}
	if _, ok := m.restHeld[key]; ok {
		return
	}
	m.restHeld[key] = struct{}{}
	m.refs[key]++
}

// releaseREST drops the REST reference. It reports whether the view has
// no holders left and should be closed.
func (m *APIModule) releaseREST(viewerID, conversationID string) bool {
	m.mu.Lock()
	key := viewRef{viewerID, conversationID}
	_, held := m.restHeld[key]
	if !held {
		// Nothing was opened over REST; close only an unattended view.
		idle := m.refs[key] == 0
		m.mu.Unlock()
		return idle
	}
	delete(m.restHeld, key)
	m.mu.Unlock()
	return m.release(viewerID, conversationID)
}

// release reports whether the last client of the view is gone.
func (m *APIModule) release(viewerID, conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := viewRef{viewerID, conversationID}
	m.refs[key]--
	if m.refs[key] > 0 {
		return false
	}
	delete(m.refs, key)
	return true
}

// customErrorHandler handles Fiber errors.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   "server_error",
		Message: message,
	})
}

// loggerMiddleware returns a Fiber middleware for request logging.
func loggerMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Get("Upgrade") == "websocket" {
			return c.Next()
		}
		start := time.Now()
		err := c.Next()
		log.Printf("[api] %s %s %d %s", c.Method(), c.Path(), c.Response().StatusCode(), time.Since(start).Round(time.Microsecond))
		return err
	}
}
