// Package render derives per-message display metadata from a timeline.
package render

import (
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/timeline"
)

const msPerDay = int64(24 * time.Hour / time.Millisecond)

// Flags is the display metadata of one message.
type Flags struct {
	MessageID          string `json:"message_id"`
	IsOwn              bool   `json:"is_own"`
	IsUnread           bool   `json:"is_unread"`
	IsFirstOfRun       bool   `json:"is_first_of_run"`
	IsLastOfRun        bool   `json:"is_last_of_run"`
	DayBreakBefore     bool   `json:"day_break_before"`
	DayBreakAfter      bool   `json:"day_break_after"`
	IsLastReadByViewer bool   `json:"is_last_read_by_viewer"`
}

// Derive computes display flags for ordered messages. It has no hidden
// state: identical inputs always produce identical output.
func Derive(messages []chat.Message, viewerID string, participantCount int) []Flags {
	flags := make([]Flags, len(messages))
	lastRead := lastReadIndex(messages, viewerID, participantCount)

	for i, m := range messages {
		f := Flags{
			MessageID:          m.ID,
			IsOwn:              m.SenderID == viewerID,
			IsUnread:           m.SenderID != viewerID && !m.HasReader(viewerID),
			IsFirstOfRun:       true,
			IsLastOfRun:        true,
			DayBreakBefore:     true,
			IsLastReadByViewer: i == lastRead,
		}
		if i > 0 {
			prev := messages[i-1]
			f.IsFirstOfRun = m.SenderID != prev.SenderID || m.MessageType != prev.MessageType
			f.DayBreakBefore = dayNumber(prev.Timestamp) != dayNumber(m.Timestamp)
		}
		if i < len(messages)-1 {
			next := messages[i+1]
			f.IsLastOfRun = m.SenderID != next.SenderID
			f.DayBreakAfter = dayNumber(next.Timestamp) != dayNumber(m.Timestamp)
		}
		flags[i] = f
	}
	return flags
}

// lastReadIndex is the highest index authored by the viewer that is not
// yet read by every participant, or the last index when none qualifies.
func lastReadIndex(messages []chat.Message, viewerID string, participantCount int) int {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.SenderID == viewerID && len(m.ReadBy) < participantCount {
			return i
		}
	}
	return len(messages) - 1
}

// dayNumber is the UTC calendar day index of t.
func dayNumber(t time.Time) int64 {
	ms := t.UnixMilli()
	d := ms / msPerDay
	if ms%msPerDay < 0 {
		d--
	}
	return d
}

// Reader is a participant shown in a message's read avatars.
type Reader struct {
	ID       string `json:"id"`
	Initials string `json:"initials"`
	Color    string `json:"color"`
}

// Item is one rendered timeline row.
type Item struct {
	timeline.Entry
	Flags
	Readers []Reader `json:"readers"`
}

// Indicator is the typing indicator shown under the timeline.
type Indicator struct {
	TyperID  string `json:"typer_id"`
	Name     string `json:"name"`
	Initials string `json:"initials"`
}

// View is the rendered state of a conversation for one viewer.
type View struct {
	ConversationID string     `json:"conversation_id"`
	ViewerID       string     `json:"viewer_id"`
	Items          []Item     `json:"items"`
	UnreadCount    int        `json:"unread_count"`
	Preview        string     `json:"preview"`
	Typing         *Indicator `json:"typing,omitempty"`
}

// Render builds the full view model for a conversation snapshot.
func Render(conv chat.Conversation, entries []timeline.Entry, viewerID, typerID string) View {
	messages := timeline.Messages(entries)
	flags := Derive(messages, viewerID, len(conv.Participants))

	items := make([]Item, len(entries))
	for i, e := range entries {
		items[i] = Item{Entry: e, Flags: flags[i], Readers: readers(conv, e.Message, viewerID)}
	}

	summary := conv
	if len(messages) > 0 {
		latest := messages[len(messages)-1]
		summary.LatestMessage = &latest
	}

	v := View{
		ConversationID: conv.ID,
		ViewerID:       viewerID,
		Items:          items,
		UnreadCount:    chat.UnreadCount(messages, viewerID),
		Preview:        chat.PreviewText(summary, viewerID, typerID),
	}
	if typerID != "" && typerID != viewerID {
		name := ""
		if p, ok := conv.Participant(typerID); ok {
			name = p.DisplayName
		}
		v.Typing = &Indicator{TyperID: typerID, Name: name, Initials: chat.Initials(name)}
	}
	return v
}

func readers(conv chat.Conversation, m chat.Message, viewerID string) []Reader {
	out := []Reader{}
	for _, p := range conv.Participants {
		if p.ID == viewerID || !m.HasReader(p.ID) {
			continue
		}
		out = append(out, Reader{ID: p.ID, Initials: chat.Initials(p.DisplayName), Color: p.Color})
	}
	return out
}
