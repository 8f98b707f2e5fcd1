package bus

import (
	"context"
	"log"
	"sync"
)

const memoryQueueSize = 256

// Memory is an in-process Bus. Every subscription owns a queue drained by
// its own goroutine, so handlers run in publish order per subscriber and
// never on the publisher's stack.
type Memory struct {
	mu        sync.RWMutex
	connected bool
	subs      map[string]map[*memorySub]struct{}
}

var _ Bus = (*Memory)(nil)

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{})}
}

// Connect marks the bus usable.
func (b *Memory) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

// Disconnect closes every subscription.
func (b *Memory) Disconnect(_ context.Context) error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[*memorySub]struct{})
	b.connected = false
	b.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.close()
		}
	}
	return nil
}

// Subscribe registers handler for topic.
func (b *Memory) Subscribe(topic string, handler Handler) (Subscription, error) {
	if err := ValidateTopic(topic); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, ErrNotConnected
	}

	sub := &memorySub{
		bus:     b,
		topic:   topic,
		handler: handler,
		queue:   make(chan []byte, memoryQueueSize),
		done:    make(chan struct{}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySub]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	go sub.run()
	return sub, nil
}

// Publish delivers payload to every current subscriber of topic.
func (b *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return ErrNotConnected
	}
	for sub := range b.subs[topic] {
		data := append([]byte(nil), payload...)
		select {
		case sub.queue <- data:
		default:
			log.Printf("[bus] Dropping message on %s: subscriber queue full", topic)
		}
	}
	return nil
}

// SubscriberCount returns the number of subscriptions on topic.
func (b *Memory) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

type memorySub struct {
	bus     *Memory
	topic   string
	handler Handler
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			s.handler(context.Background(), payload)
		}
	}
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe stops delivery to this subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	if set, ok := s.bus.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	s.bus.mu.Unlock()
	s.close()
	return nil
}
