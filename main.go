package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"

	"github.com/example/chat-sync-engine/config"
	"github.com/example/chat-sync-engine/modules/api"
	"github.com/example/chat-sync-engine/modules/attachment"
	"github.com/example/chat-sync-engine/modules/backend"
	"github.com/example/chat-sync-engine/modules/broadcast"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/example/chat-sync-engine/modules/call"
	"github.com/example/chat-sync-engine/modules/metrics"
	"github.com/example/chat-sync-engine/modules/session"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("=== Chat Session Sync Engine - Fiber + EventBus ===")

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create mono application
	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(cfg.ShutdownTimeout),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	logger := app.Logger()

	ctx := context.Background()

	// Real-time bus
	var b bus.Bus
	switch cfg.Bus.Driver {
	case config.BusNATS:
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.Bus.NATSURL
		natsCfg.Name = cfg.Bus.Name
		b = bus.NewNATS(natsCfg)
	default:
		b = bus.NewMemory()
	}
	if err := b.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect %s bus: %v", cfg.Bus.Driver, err)
	}

	// Chat backend: remote when configured, otherwise in-process and
	// served under /backend/v1.
	var chatAPI backend.ChatAPI
	var backendServer *backend.Server
	if cfg.Backend.URL != "" {
		chatAPI = backend.NewHTTPClient(cfg.Backend.URL, cfg.Backend.Token, cfg.Backend.Timeout)
	} else {
		local := backend.NewLocal(b,
			backend.WithMaxHistory(cfg.Backend.MaxHistory),
			backend.WithMaxAttachmentSize(int64(cfg.Backend.MaxAttachmentSize)),
		)
		chatAPI = local
		backendServer = backend.NewServer(local)
	}

	// Call sessions
	var registry call.Registry = call.NewMemoryRegistry()
	var redisClient *redis.Client
	if cfg.Call.Registry == config.RegistryRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		registry = call.NewRedisRegistry(redisClient, cfg.Redis.Prefix)
	}
	var callBackend call.Backend
	if cfg.Call.URL != "" {
		callBackend = call.NewHTTPBackend(cfg.Call.URL, cfg.Call.APIKey, cfg.Call.Timeout)
	} else {
		callBackend = call.NewLocalBackend(registry, cfg.Call.SessionTTL)
	}
	coordinator := call.NewCoordinator(callBackend, logger)

	// Create modules
	sessionModule := session.NewModule(chatAPI, b, coordinator, metrics.New(prometheus.DefaultRegisterer), logger, session.Config{
		HistoryLimit:  cfg.HistoryLimit,
		TypingTTL:     cfg.TypingTTL,
		Extractor:     attachment.FFmpegExtractor{Path: cfg.FFmpegPath},
		FrameOffset:   cfg.FrameOffset,
		ThumbnailSize: cfg.ThumbnailSize,
	})
	broadcastModule := broadcast.NewModule()
	apiModule := api.NewModule(api.Config{
		Port:         cfg.Port,
		WSRate:       cfg.WSRate,
		WSBurst:      cfg.WSBurst,
		BodyLimit:    int(cfg.Backend.MaxAttachmentSize) + 1<<20,
		AllowOrigins: cfg.CORSOrigins,
	})

	// Inject what is not exposed via ServiceContainer
	apiModule.SetHub(broadcastModule.GetHub())
	apiModule.SetAttachments(sessionModule.Engine())
	apiModule.SetBus(b)
	if backendServer != nil {
		apiModule.SetBackend(backendServer)
	}

	// Register modules with the framework.
	// - session: engine (ServiceProviderModule + EventEmitterModule)
	// - broadcast: WebSocket hub (EventConsumerModule)
	// - api: Fiber HTTP/WebSocket server, depends on session
	app.Register(sessionModule)
	app.Register(broadcastModule)
	app.Register(apiModule)

	// Start application
	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	printStartupInfo(cfg, backendServer != nil)

	// Graceful shutdown
	var redisCloser io.Closer
	if redisClient != nil {
		redisCloser = redisClient
	}
	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, shutdownOperations(app, b, redisCloser))

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

type stopper interface {
	Stop(ctx context.Context) error
}

// shutdownOperations stops the modules before the bus goes away; views
// publish their last typing state while closing.
func shutdownOperations(app stopper, b bus.Bus, redisCloser io.Closer) map[string]gfshutdown.Operation {
	operations := map[string]gfshutdown.Operation{
		"mono-app": func(ctx context.Context) error {
			log.Println("Graceful shutdown initiated...")
			stopErr := app.Stop(ctx)
			return errors.Join(stopErr, b.Disconnect(ctx))
		},
	}
	if redisCloser != nil {
		operations["redis"] = func(context.Context) error {
			return redisCloser.Close()
		}
	}
	return operations
}

func printStartupInfo(cfg *config.Config, localBackend bool) {
	port := cfg.Port

	log.Println("")
	log.Println("Application started successfully!")
	log.Println("")
	log.Println("Architecture:")
	log.Println("  - HTTP Framework: Fiber with WebSocket support")
	log.Printf("  - Real-time bus: %s", cfg.Bus.Driver)
	if cfg.Bus.Driver == config.BusNATS {
		log.Printf("  - NATS URL: %s", cfg.Bus.NATSURL)
	}
	if localBackend {
		log.Printf("  - Chat backend: in-process (max attachment %s)", cfg.Backend.MaxAttachmentSize)
	} else {
		log.Printf("  - Chat backend: %s", cfg.Backend.URL)
	}
	log.Printf("  - Call registry: %s", cfg.Call.Registry)
	log.Println("")
	log.Printf("REST API Endpoints (http://localhost:%s), header %s required:", port, api.HeaderViewer)
	log.Println("  GET    /health                                         - Health check")
	log.Println("  GET    /metrics                                        - Prometheus metrics")
	log.Println("  POST   /api/v1/conversations/:id/open                  - Open a conversation view")
	log.Println("  POST   /api/v1/conversations/:id/close                 - Close a conversation view")
	log.Println("  GET    /api/v1/conversations/:id/timeline              - Rendered timeline")
	log.Println("  POST   /api/v1/conversations/:id/messages              - Send a message")
	log.Println("  POST   /api/v1/conversations/:id/messages/:localId/retry   - Retry a failed send")
	log.Println("  POST   /api/v1/conversations/:id/messages/:localId/discard - Discard a failed send")
	log.Println("  POST   /api/v1/conversations/:id/read                  - Mark messages read")
	log.Println("  POST   /api/v1/conversations/:id/typing                - Report a draft keystroke")
	log.Println("  POST   /api/v1/conversations/:id/attachments/mode      - Choose attachment mode")
	log.Println("  POST   /api/v1/conversations/:id/attachments           - Select a file (multipart)")
	log.Println("  DELETE /api/v1/conversations/:id/attachments           - Clear the attachment")
	log.Println("  POST   /api/v1/conversations/:id/calls                 - Start or join a call")
	if localBackend {
		log.Println("  *      /backend/v1/...                                 - In-process chat backend")
	}
	log.Println("")
	log.Printf("WebSocket Endpoint (ws://localhost:%s/ws):", port)
	log.Printf("  Connect with: ws://localhost:%s/ws?viewer=<id>&conversation=<id>", port)
	log.Println("  Message types: keystroke, send, retry, discard, read, mode, call, timeline")
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}
