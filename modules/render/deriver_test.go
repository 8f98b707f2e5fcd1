package render

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/timeline"
)

var day1 = time.Date(2024, 5, 10, 23, 0, 0, 0, time.UTC)

func msg(id, sender string, at time.Time, readBy ...string) chat.Message {
	return chat.Message{ID: id, SenderID: sender, MessageType: chat.MessageTypeChat, Timestamp: at, ReadBy: readBy}
}

func TestDerive_Runs(t *testing.T) {
	messages := []chat.Message{
		msg("1", "alice", day1),
		msg("2", "alice", day1.Add(time.Minute)),
		msg("3", "bob", day1.Add(2*time.Minute)),
		msg("4", "bob", day1.Add(3*time.Minute)),
	}
	messages[3].MessageType = chat.MessageTypeSystem

	flags := Derive(messages, "alice", 2)

	tests := []struct {
		i           int
		first, last bool
	}{
		{0, true, false},
		{1, false, true},
		{2, true, false},
		{3, true, true},
	}
	for _, tt := range tests {
		if flags[tt.i].IsFirstOfRun != tt.first {
			t.Errorf("flags[%d].IsFirstOfRun = %v, want %v", tt.i, flags[tt.i].IsFirstOfRun, tt.first)
		}
		if flags[tt.i].IsLastOfRun != tt.last {
			t.Errorf("flags[%d].IsLastOfRun = %v, want %v", tt.i, flags[tt.i].IsLastOfRun, tt.last)
		}
	}
}

func TestDerive_DayBreaks(t *testing.T) {
	messages := []chat.Message{
		msg("1", "alice", day1),
		msg("2", "alice", day1.Add(30*time.Minute)),
		msg("3", "alice", day1.Add(90*time.Minute)),
	}

	flags := Derive(messages, "alice", 2)

	if !flags[0].DayBreakBefore {
		t.Error("first message should open a day")
	}
	if flags[0].DayBreakAfter {
		t.Error("flags[0].DayBreakAfter = true, same UTC day follows")
	}
	if !flags[1].DayBreakAfter || !flags[2].DayBreakBefore {
		t.Error("crossing UTC midnight should break the day")
	}
	if flags[2].DayBreakAfter {
		t.Error("tail message has no day break after")
	}
}

func TestDerive_DayBreakUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	// same UTC day, different local days
	a := time.Date(2024, 5, 10, 1, 0, 0, 0, time.UTC).In(loc)
	b := time.Date(2024, 5, 10, 20, 0, 0, 0, time.UTC).In(loc)

	flags := Derive([]chat.Message{msg("1", "x", a), msg("2", "x", b)}, "x", 2)
	if flags[1].DayBreakBefore {
		t.Error("day comparison must use the UTC calendar day")
	}
}

func TestDerive_LastReadByViewer(t *testing.T) {
	tests := []struct {
		name     string
		messages []chat.Message
		want     int
	}{
		{
			name: "latest own unread",
			messages: []chat.Message{
				msg("1", "me", day1, "me", "you"),
				msg("2", "me", day1.Add(time.Minute), "me"),
				msg("3", "you", day1.Add(2*time.Minute), "you", "me"),
			},
			want: 1,
		},
		{
			name: "everything read",
			messages: []chat.Message{
				msg("1", "me", day1, "me", "you"),
				msg("2", "you", day1.Add(time.Minute), "you", "me"),
			},
			want: 1,
		},
		{
			name: "older own unread wins over read ones",
			messages: []chat.Message{
				msg("1", "me", day1, "me"),
				msg("2", "me", day1.Add(time.Minute), "me"),
				msg("3", "me", day1.Add(2*time.Minute), "me", "you"),
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := Derive(tt.messages, "me", 2)
			count := 0
			for i, f := range flags {
				if f.IsLastReadByViewer {
					count++
					if i != tt.want {
						t.Errorf("IsLastReadByViewer at %d, want %d", i, tt.want)
					}
				}
			}
			if count != 1 {
				t.Errorf("IsLastReadByViewer set on %d messages, want 1", count)
			}
		})
	}
}

func TestDerive_Empty(t *testing.T) {
	if flags := Derive(nil, "me", 2); len(flags) != 0 {
		t.Errorf("Derive(nil) = %v, want empty", flags)
	}
}

func TestDerive_IsPure(t *testing.T) {
	messages := []chat.Message{
		msg("1", "me", day1, "me"),
		msg("2", "you", day1.Add(time.Hour), "you"),
		msg("3", "me", day1.Add(26*time.Hour), "me", "you"),
	}

	a, err := json.Marshal(Derive(messages, "me", 2))
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(Derive(messages, "me", 2))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("Derive() not deterministic:\n%s\n%s", a, b)
	}
}

func TestRender(t *testing.T) {
	conv := chat.Conversation{
		ID:   "c1",
		Kind: chat.KindGroup,
		Name: "Team",
		Participants: []chat.Participant{
			{ID: "me", DisplayName: "Me Too", Color: "red"},
			{ID: "bob", DisplayName: "Bob Stone", Color: "blue"},
			{ID: "eve", DisplayName: "Eve", Color: "green"},
		},
	}
	body := "hey"
	entries := []timeline.Entry{
		{Message: chat.Message{ID: "1", SenderID: "me", Body: &body, MessageType: chat.MessageTypeChat, Timestamp: day1, ReadBy: []string{"bob", "me"}}, Status: timeline.StatusConfirmed},
		{Message: chat.Message{ID: "2", SenderID: "bob", Body: &body, MessageType: chat.MessageTypeChat, Timestamp: day1.Add(time.Minute), ReadBy: []string{"bob"}}, Status: timeline.StatusConfirmed},
	}

	v := Render(conv, entries, "me", "eve")

	if v.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", v.UnreadCount)
	}
	if len(v.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(v.Items))
	}
	if len(v.Items[0].Readers) != 1 || v.Items[0].Readers[0].Initials != "BS" {
		t.Errorf("Items[0].Readers = %+v", v.Items[0].Readers)
	}
	if !v.Items[1].IsUnread {
		t.Error("message from bob should be unread for me")
	}
	if v.Typing == nil || v.Typing.Name != "Eve" {
		t.Errorf("Typing = %+v, want Eve", v.Typing)
	}
	if v.Preview != "Eve is typing..." {
		t.Errorf("Preview = %q", v.Preview)
	}
}
