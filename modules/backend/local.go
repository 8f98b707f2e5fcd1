package backend

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/google/uuid"
)

// BlobPrefix prefixes attachment references issued by Local.
const BlobPrefix = "blob/"

// Local is an in-memory authoritative chat server. It assigns message ids
// and timestamps, keeps a bounded history per conversation and publishes
// accepted messages on the bus.
type Local struct {
	mu            sync.RWMutex
	conversations map[string]*chat.Conversation
	messages      map[string][]chat.Message // conversationID -> messages
	blobs         map[string][]byte         // ref -> content
	maxHistory    int
	maxAttachment int64
	bus           bus.Bus
	now           func() time.Time
}

var _ ChatAPI = (*Local)(nil)

// LocalOption configures Local.
type LocalOption func(*Local)

// WithMaxHistory bounds the number of messages kept per conversation.
func WithMaxHistory(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.maxHistory = n
		}
	}
}

// WithMaxAttachmentSize sets the upload limit in bytes.
func WithMaxAttachmentSize(n int64) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.maxAttachment = n
		}
	}
}

// WithClock overrides the clock used for message timestamps.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// NewLocal creates an empty server publishing on b. b may be nil.
func NewLocal(b bus.Bus, opts ...LocalOption) *Local {
	l := &Local{
		conversations: make(map[string]*chat.Conversation),
		messages:      make(map[string][]chat.Message),
		blobs:         make(map[string][]byte),
		maxHistory:    500,
		maxAttachment: DefaultMaxAttachmentSize,
		bus:           b,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateConversation registers a conversation. An empty id is generated.
func (l *Local) CreateConversation(_ context.Context, conv chat.Conversation) (chat.Conversation, error) {
	if err := chat.ValidateName(conv.Name); err != nil {
		return chat.Conversation{}, err
	}
	if len(conv.Participants) == 0 {
		return chat.Conversation{}, ErrNoParticipants
	}
	seen := make(map[string]bool, len(conv.Participants))
	for _, p := range conv.Participants {
		if p.ID == "" || seen[p.ID] {
			return chat.Conversation{}, fmt.Errorf("%w: %q", ErrBadParticipant, p.ID)
		}
		seen[p.ID] = true
	}
	if conv.Kind == "" {
		conv.Kind = chat.KindGroup
		if len(conv.Participants) == 2 {
			conv.Kind = chat.KindDirect
		}
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()[:8]
	}
	conv.LatestMessage = nil
	conv.UnreadCount = 0
	conv.Participants = append([]chat.Participant(nil), conv.Participants...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.conversations[conv.ID]; exists {
		return chat.Conversation{}, fmt.Errorf("%w: %s", ErrConversationExists, conv.ID)
	}
	l.conversations[conv.ID] = &conv
	l.messages[conv.ID] = make([]chat.Message, 0)

	log.Printf("[backend] Created %s conversation %s (%d participants)", conv.Kind, conv.ID, len(conv.Participants))
	return conv, nil
}

// ListConversations returns every conversation sorted by id.
func (l *Local) ListConversations(_ context.Context) []chat.Conversation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]chat.Conversation, 0, len(l.conversations))
	for id := range l.conversations {
		result = append(result, l.conversationLocked(id))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetConversation implements ChatAPI.
func (l *Local) GetConversation(_ context.Context, conversationID string) (chat.Conversation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.conversations[conversationID]; !ok {
		return chat.Conversation{}, fmt.Errorf("%w: %s", chat.ErrConversationNotFound, conversationID)
	}
	return l.conversationLocked(conversationID), nil
}

func (l *Local) conversationLocked(id string) chat.Conversation {
	conv := *l.conversations[id]
	conv.Participants = append([]chat.Participant(nil), conv.Participants...)
	if msgs := l.messages[id]; len(msgs) > 0 {
		latest := msgs[len(msgs)-1].Clone()
		conv.LatestMessage = &latest
	}
	return conv
}

// ListMessages implements ChatAPI. A non-positive limit returns the full
// retained history.
func (l *Local) ListMessages(_ context.Context, conversationID string, limit int) ([]chat.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	messages, ok := l.messages[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chat.ErrConversationNotFound, conversationID)
	}
	if limit <= 0 || limit > len(messages) {
		limit = len(messages)
	}
	start := len(messages) - limit
	result := make([]chat.Message, limit)
	for i, m := range messages[start:] {
		result[i] = m.Clone()
	}
	return result, nil
}

// SendChat implements ChatAPI.
func (l *Local) SendChat(ctx context.Context, conversationID string, draft chat.Draft) (chat.Message, error) {
	if err := chat.ValidateDraft(draft, false); err != nil {
		return chat.Message{}, err
	}
	return l.accept(ctx, conversationID, draft, nil, nil)
}

// SendAttachment implements ChatAPI.
func (l *Local) SendAttachment(ctx context.Context, conversationID string, file chat.File, draft chat.Draft, thumbnail []byte) (chat.Message, error) {
	if size := file.Size() + int64(len(thumbnail)); size > l.maxAttachment {
		return chat.Message{}, fmt.Errorf("%w: %s exceeds %s", chat.ErrPayloadTooLarge,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(l.maxAttachment)))
	}
	if file.Size() == 0 {
		return chat.Message{}, chat.ErrEmptyFile
	}
	if err := chat.ValidateDraft(draft, true); err != nil {
		return chat.Message{}, err
	}
	if draft.AttachmentType == "" {
		draft.AttachmentType = chat.AttachmentDocument
	}

	dir := BlobPrefix + uuid.New().String() + "/"
	att := &chat.Attachment{Type: draft.AttachmentType, Ref: dir + sanitizeName(file.Name)}
	blobs := map[string][]byte{att.Ref: append([]byte(nil), file.Data...)}
	if len(thumbnail) > 0 {
		att.Thumbnail = dir + "thumbnail.png"
		blobs[att.Thumbnail] = append([]byte(nil), thumbnail...)
	}

	return l.accept(ctx, conversationID, draft, att, blobs)
}

func (l *Local) accept(ctx context.Context, conversationID string, draft chat.Draft, att *chat.Attachment, blobs map[string][]byte) (chat.Message, error) {
	l.mu.Lock()
	conv, ok := l.conversations[conversationID]
	if !ok {
		l.mu.Unlock()
		return chat.Message{}, fmt.Errorf("%w: %s", chat.ErrConversationNotFound, conversationID)
	}
	if _, member := conv.Participant(draft.SenderID); !member {
		l.mu.Unlock()
		return chat.Message{}, fmt.Errorf("%w: %s", ErrNotParticipant, draft.SenderID)
	}

	msg := chat.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       draft.SenderID,
		Body:           draft.Text,
		Attachment:     att,
		MessageType:    chat.MessageTypeChat,
		Timestamp:      l.now().UTC(),
		ReadBy:         []string{draft.SenderID},
	}.Clone()
	if history := l.messages[conversationID]; len(history) > 0 {
		// Keep server time monotonic per conversation.
		if last := history[len(history)-1].Timestamp; !msg.Timestamp.After(last) {
			msg.Timestamp = last.Add(time.Millisecond)
		}
	}
	for ref, data := range blobs {
		l.blobs[ref] = data
	}
	l.appendLocked(msg)
	l.mu.Unlock()

	l.publish(ctx, msg)
	return msg.Clone(), nil
}

// PostSystem appends a server-authored message of the given type, such as
// a call event.
func (l *Local) PostSystem(ctx context.Context, conversationID string, msgType chat.MessageType, text string) (chat.Message, error) {
	l.mu.Lock()
	if _, ok := l.conversations[conversationID]; !ok {
		l.mu.Unlock()
		return chat.Message{}, fmt.Errorf("%w: %s", chat.ErrConversationNotFound, conversationID)
	}
	msg := chat.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Body:           chat.TextPtr(text),
		MessageType:    msgType,
		Timestamp:      l.now().UTC(),
	}
	if history := l.messages[conversationID]; len(history) > 0 {
		if last := history[len(history)-1].Timestamp; !msg.Timestamp.After(last) {
			msg.Timestamp = last.Add(time.Millisecond)
		}
	}
	l.appendLocked(msg)
	l.mu.Unlock()

	l.publish(ctx, msg)
	return msg.Clone(), nil
}

// appendLocked adds msg and drops the oldest messages, with their blobs,
// beyond maxHistory.
func (l *Local) appendLocked(msg chat.Message) {
	messages := append(l.messages[msg.ConversationID], msg)
	if over := len(messages) - l.maxHistory; over > 0 {
		for _, old := range messages[:over] {
			if old.Attachment == nil {
				continue
			}
			delete(l.blobs, old.Attachment.Ref)
			if old.Attachment.Thumbnail != "" {
				delete(l.blobs, old.Attachment.Thumbnail)
			}
		}
		messages = append([]chat.Message(nil), messages[over:]...)
	}
	l.messages[msg.ConversationID] = messages
}

func (l *Local) publish(ctx context.Context, msg chat.Message) {
	if l.bus == nil {
		return
	}
	if err := bus.PublishEvent(ctx, l.bus, msg.ConversationID, bus.KindMessage, msg); err != nil {
		log.Printf("[backend] Warning: failed to publish message %s: %v", msg.ID, err)
	}
}

// MarkRead implements ChatAPI.
func (l *Local) MarkRead(_ context.Context, conversationID, messageID, viewerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	messages, ok := l.messages[conversationID]
	if !ok {
		return fmt.Errorf("%w: %s", chat.ErrConversationNotFound, conversationID)
	}
	for i := range messages {
		if messages[i].ID == messageID {
			messages[i].ReadBy = chat.UnionReaders(chat.NormalizeReaders(messages[i].ReadBy), []string{viewerID})
			return nil
		}
	}
	return fmt.Errorf("%w: %s", chat.ErrMessageUnknown, messageID)
}

// Blob returns the content stored under an attachment reference.
func (l *Local) Blob(ref string) ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	data, ok := l.blobs[ref]
	return data, ok
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}
