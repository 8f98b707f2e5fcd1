package bus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix namespaces bus topics on the NATS server.
const SubjectPrefix = "chatsync"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns the default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chat-sync-engine",
		MaxReconnects: 10,
		ReconnectWait: time.Second,
	}
}

// NATS is a Bus backed by core NATS subjects. Topics map onto subjects by
// replacing "/" with ".", so "conversation/42" becomes
// "chatsync.conversation.42".
type NATS struct {
	cfg NATSConfig
	mu  sync.RWMutex
	nc  *nats.Conn
}

var _ Bus = (*NATS)(nil)

// NewNATS creates a NATS bus. Connect must be called before use.
func NewNATS(cfg NATSConfig) *NATS {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	return &NATS{cfg: cfg}
}

// Subject maps a topic onto a NATS subject.
func Subject(topic string) string {
	return SubjectPrefix + "." + strings.ReplaceAll(topic, "/", ".")
}

// Connect establishes the connection to NATS.
func (b *NATS) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc != nil {
		return nil
	}

	nc, err := nats.Connect(b.cfg.URL,
		nats.Name(b.cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[bus] Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[bus] Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.nc = nc

	log.Printf("[bus] Connected to NATS at %s", b.cfg.URL)
	return nil
}

// Disconnect drains subscriptions and closes the connection.
func (b *NATS) Disconnect(_ context.Context) error {
	b.mu.Lock()
	nc := b.nc
	b.nc = nil
	b.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	log.Println("[bus] NATS connection drained")
	return nil
}

func (b *NATS) conn() (*nats.Conn, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.nc == nil {
		return nil, ErrNotConnected
	}
	return b.nc, nil
}

// Subscribe registers handler for topic.
func (b *NATS) Subscribe(topic string, handler Handler) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	nc, err := b.conn()
	if err != nil {
		return nil, err
	}

	sub, err := nc.Subscribe(Subject(topic), func(msg *nats.Msg) {
		handler(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return sub, nil
}

// Publish sends payload on topic.
func (b *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	nc, err := b.conn()
	if err != nil {
		return err
	}
	if err := nc.Publish(Subject(topic), payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Connected reports whether the underlying connection is up.
func (b *NATS) Connected() bool {
	nc, err := b.conn()
	return err == nil && nc.IsConnected()
}
