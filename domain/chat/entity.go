package chat

import (
	"sort"
	"time"
)

// ConversationKind distinguishes direct chats from group chats.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// MessageType classifies timeline entries.
type MessageType string

const (
	MessageTypeChat      MessageType = "chat"
	MessageTypeSystem    MessageType = "system"
	MessageTypeCallEvent MessageType = "call-event"
)

// AttachmentType is the media category of an attachment.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentVideo    AttachmentType = "video"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentDocument AttachmentType = "document"
)

// Valid reports whether t is a known attachment category.
func (t AttachmentType) Valid() bool {
	switch t {
	case AttachmentImage, AttachmentVideo, AttachmentAudio, AttachmentDocument:
		return true
	}
	return false
}

// RoleAdmin is the participant role that maps to the elevated call role.
const RoleAdmin = "admin"

// Attachment references uploaded media.
type Attachment struct {
	Type      AttachmentType `json:"type"`
	Ref       string         `json:"ref"`
	Thumbnail string         `json:"thumbnail,omitempty"`
}

// Message represents a chat message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Body           *string     `json:"body"`
	Attachment     *Attachment `json:"attachment"`
	MessageType    MessageType `json:"message_type"`
	Timestamp      time.Time   `json:"timestamp"`
	ReadBy         []string    `json:"read_by"`
}

// HasReader reports whether userID is in the message's read set.
func (m Message) HasReader(userID string) bool {
	i := sort.SearchStrings(m.ReadBy, userID)
	return i < len(m.ReadBy) && m.ReadBy[i] == userID
}

// Clone returns a deep copy so callers never alias the read set.
func (m Message) Clone() Message {
	out := m
	if m.Body != nil {
		body := *m.Body
		out.Body = &body
	}
	if m.Attachment != nil {
		att := *m.Attachment
		out.Attachment = &att
	}
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return out
}

// Participant is a member of a conversation.
type Participant struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"display_name"`
	AvatarRef   *string `json:"avatar_ref,omitempty"`
	Color       string  `json:"color"`
	Role        string  `json:"role"`
}

// Conversation represents a direct or group chat.
type Conversation struct {
	ID            string           `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Name          string           `json:"name"`
	Color         string           `json:"color,omitempty"`
	Participants  []Participant    `json:"participants"`
	LatestMessage *Message         `json:"latest_message"`
	UnreadCount   int              `json:"unread_count"`
}

// Participant returns the participant with the given id.
func (c Conversation) Participant(id string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// ConversationSummary is published on a user's topic so other devices
// of the same user can refresh unread badges.
type ConversationSummary struct {
	ConversationID string   `json:"conversation_id"`
	LatestMessage  *Message `json:"latest_message"`
	UnreadCount    int      `json:"unread_count"`
}

// TypingState is an ephemeral typing signal.
type TypingState struct {
	ConversationID string `json:"conversation_id"`
	TyperID        string `json:"typer_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ReadReceipt acknowledges that a viewer has seen a message.
type ReadReceipt struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	ViewerID       string `json:"viewer_id"`
}

// Draft is the outbound part of a send authored by the local user.
type Draft struct {
	SenderID       string         `json:"sender_id"`
	Text           *string        `json:"text"`
	AttachmentType AttachmentType `json:"attachment_type,omitempty"`
}

// File is a selected attachment payload.
type File struct {
	Name string `json:"name"`
	MIME string `json:"mime"`
	Data []byte `json:"-"`
}

// Size returns the payload size in bytes.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// CallSession is an ad-hoc call tied to a conversation.
type CallSession struct {
	ID              string   `json:"id"`
	ConversationID  string   `json:"conversation_id"`
	CreatedAtSecond int64    `json:"created_at_second"`
	MemberRefs      []string `json:"member_refs"`
}

// UnreadCount counts messages authored by others that viewerID has not read.
func UnreadCount(messages []Message, viewerID string) int {
	n := 0
	for _, m := range messages {
		if m.SenderID != viewerID && !m.HasReader(viewerID) {
			n++
		}
	}
	return n
}

// UnionReaders merges two sorted read sets.
func UnionReaders(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			out = appendUnique(out, a[i])
			i++
		case i >= len(a) || b[j] < a[i]:
			out = appendUnique(out, b[j])
			j++
		default:
			out = appendUnique(out, a[i])
			i++
			j++
		}
	}
	return out
}

// NormalizeReaders sorts and deduplicates a read set.
func NormalizeReaders(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if id == "" || (i > 0 && id == out[i-1]) {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

func appendUnique(out []string, id string) []string {
	if id == "" || (len(out) > 0 && out[len(out)-1] == id) {
		return out
	}
	return append(out, id)
}
