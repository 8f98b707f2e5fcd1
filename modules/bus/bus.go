// Package bus is the topic-based real-time transport shared by every
// conversation view of a session.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/chat-sync-engine/domain/chat"
)

// Bus errors
var (
	ErrNotConnected = errors.New("bus is not connected")
	ErrInvalidTopic = errors.New("invalid topic")
	ErrUnknownKind  = errors.New("unknown envelope kind")
)

// Handler receives raw payloads published on a topic.
type Handler func(ctx context.Context, payload []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a publish/subscribe transport with an explicit lifecycle tied
// to the authenticated session.
type Bus interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(topic string, handler Handler) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ConversationTopic carries message, receipt and typing envelopes.
func ConversationTopic(conversationID string) string {
	return "conversation/" + conversationID
}

// UserTopic carries conversation summaries for one user's devices.
func UserTopic(userID string) string {
	return "user/" + userID
}

// ValidateTopic rejects topics that cannot be mapped onto a subject.
func ValidateTopic(topic string) error {
	if topic == "" || strings.HasPrefix(topic, "/") || strings.HasSuffix(topic, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if strings.ContainsAny(topic, ".*> \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// Kind tags the payload of a conversation envelope.
type Kind string

const (
	KindMessage     Kind = "message"
	KindReadReceipt Kind = "read-receipt"
	KindTyping      Kind = "typing"
)

// Envelope is the wire form of conversation topic events.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps data in an envelope of the given kind.
func Encode(kind Kind, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Data: raw})
}

// Event is a decoded conversation envelope; exactly one field is set.
type Event struct {
	Kind    Kind
	Message *chat.Message
	Receipt *chat.ReadReceipt
	Typing  *chat.TypingState
}

// Decode parses a conversation envelope.
func Decode(payload []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("failed to decode envelope: %w", err)
	}

	ev := Event{Kind: env.Kind}
	var target any
	switch env.Kind {
	case KindMessage:
		ev.Message = &chat.Message{}
		target = ev.Message
	case KindReadReceipt:
		ev.Receipt = &chat.ReadReceipt{}
		target = ev.Receipt
	case KindTyping:
		ev.Typing = &chat.TypingState{}
		target = ev.Typing
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return Event{}, fmt.Errorf("failed to decode %s payload: %w", env.Kind, err)
	}
	return ev, nil
}

// PublishEvent encodes data as an envelope and publishes it on the
// conversation topic.
func PublishEvent(ctx context.Context, b Bus, conversationID string, kind Kind, data any) error {
	payload, err := Encode(kind, data)
	if err != nil {
		return err
	}
	return b.Publish(ctx, ConversationTopic(conversationID), payload)
}

// PublishSummary publishes a conversation summary on the user topic.
func PublishSummary(ctx context.Context, b Bus, userID string, summary chat.ConversationSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return b.Publish(ctx, UserTopic(userID), payload)
}
