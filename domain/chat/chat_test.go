package chat

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestUnionReaders(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{name: "both empty", a: nil, b: nil, want: []string{}},
		{name: "disjoint", a: []string{"a", "c"}, b: []string{"b"}, want: []string{"a", "b", "c"}},
		{name: "overlap", a: []string{"a", "b"}, b: []string{"b", "c"}, want: []string{"a", "b", "c"}},
		{name: "identical", a: []string{"x"}, b: []string{"x"}, want: []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := UnionReaders(tt.a, tt.b)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("UnionReaders() = %v, want %v", got, tt.want)
			}
			if rev := UnionReaders(tt.b, tt.a); !reflect.DeepEqual(rev, got) {
				t.Errorf("UnionReaders() is order dependent: %v vs %v", rev, got)
			}
		})
	}
}

func TestNormalizeReaders(t *testing.T) {
	got := NormalizeReaders([]string{"c", "a", "", "c", "b", "a"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeReaders() = %v, want %v", got, want)
	}
}

func TestUnreadCount(t *testing.T) {
	messages := []Message{
		{ID: "1", SenderID: "alice", ReadBy: []string{"alice"}},
		{ID: "2", SenderID: "alice", ReadBy: []string{"alice", "bob"}},
		{ID: "3", SenderID: "bob", ReadBy: []string{"bob"}},
		{ID: "4", SenderID: "carol", ReadBy: nil},
	}

	if got := UnreadCount(messages, "bob"); got != 2 {
		t.Errorf("UnreadCount(bob) = %d, want 2", got)
	}
	if got := UnreadCount(messages, "alice"); got != 2 {
		t.Errorf("UnreadCount(alice) = %d, want 2", got)
	}
	if got := UnreadCount(nil, "alice"); got != 0 {
		t.Errorf("UnreadCount(nil) = %d, want 0", got)
	}
}

func TestMessage_Clone(t *testing.T) {
	body := "hello"
	m := Message{ID: "1", Body: &body, ReadBy: []string{"a"}, Timestamp: time.Unix(10, 0)}
	c := m.Clone()
	c.ReadBy[0] = "z"
	*c.Body = "changed"

	if m.ReadBy[0] != "a" {
		t.Error("Clone() shares the read set")
	}
	if *m.Body != "hello" {
		t.Error("Clone() shares the body")
	}
}

func TestValidateDraft(t *testing.T) {
	text := func(s string) *string { return &s }

	tests := []struct {
		name    string
		draft   Draft
		hasFile bool
		wantErr error
	}{
		{name: "text only", draft: Draft{Text: text("hi")}},
		{name: "file only", draft: Draft{AttachmentType: AttachmentImage}, hasFile: true},
		{name: "nothing", draft: Draft{}, wantErr: ErrMessageEmpty},
		{name: "blank text", draft: Draft{Text: text("   ")}, wantErr: ErrMessageEmpty},
		{name: "too long", draft: Draft{Text: text(strings.Repeat("a", MaxMessageLength+1))}, wantErr: ErrMessageTooLong},
		{name: "invalid utf8", draft: Draft{Text: text("\xff")}, wantErr: ErrMessageInvalid},
		{name: "bad type", draft: Draft{AttachmentType: "sticker"}, hasFile: true, wantErr: ErrInvalidAttachmentType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDraft(tt.draft, tt.hasFile)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDraft() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "oversize", err: fmt.Errorf("upload: %w", ErrPayloadTooLarge), want: KindOversize},
		{name: "oversize text", err: errors.New("File too Large"), want: KindOversize},
		{name: "stale", err: ErrConversationNotFound, want: KindStale},
		{name: "call", err: fmt.Errorf("%w: timeout", ErrCallBackend), want: KindCallBackend},
		{name: "validation", err: ErrInvalidAttachmentType, want: KindValidation},
		{name: "transient", err: ErrRequestFailed, want: KindTransient},
		{name: "other", err: errors.New("boom"), want: KindUnclassified},
		{name: "tagged", err: &Error{Kind: KindTransient, Err: errors.New("x")}, want: KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNoticeFor(t *testing.T) {
	n := NoticeFor(Classify("send", ErrPayloadTooLarge))
	if n.Kind != KindOversize || !strings.Contains(n.Description, "10MB") {
		t.Errorf("NoticeFor(oversize) = %+v", n)
	}

	n = NoticeFor(ErrConversationNotFound)
	if !n.Navigate {
		t.Error("NoticeFor(stale) should navigate away")
	}

	n = NoticeFor(fmt.Errorf("%w: sfu unreachable", ErrCallBackend))
	if n.Title != "Couldn't Place Call" {
		t.Errorf("NoticeFor(call) title = %q", n.Title)
	}

	n = NoticeFor(ErrInvalidAttachmentType)
	if n.Title != "Error Selecting File" {
		t.Errorf("NoticeFor(invalid type) title = %q", n.Title)
	}
}

func TestErrorFromKind(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want error
	}{
		{KindOversize, ErrPayloadTooLarge},
		{KindStale, ErrConversationNotFound},
		{KindCallBackend, ErrCallBackend},
		{KindTransient, ErrRequestFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := ErrorFromKind(tt.kind, "remote said no")
			if !errors.Is(err, tt.want) {
				t.Errorf("ErrorFromKind(%q) = %v, want wrapping %v", tt.kind, err, tt.want)
			}
			if KindOf(err) != tt.kind {
				t.Errorf("KindOf(ErrorFromKind(%q)) = %q", tt.kind, KindOf(err))
			}
		})
	}

	err := ErrorFromKind(KindValidation, "select: invalid attachment type")
	if !errors.Is(err, ErrInvalidAttachmentType) {
		t.Errorf("ErrorFromKind(validation) lost the attachment sentinel: %v", err)
	}
}

func TestInitials(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Ada Lovelace", "AL"},
		{"grace brewster hopper", "GB"},
		{"Linus", "L"},
		{"", "S"},
		{"  émile   zola ", "ÉZ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Initials(tt.name); got != tt.want {
				t.Errorf("Initials(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestFileLabels(t *testing.T) {
	if got := FileSizeLabel(512 * 1024); got != "512KB" {
		t.Errorf("FileSizeLabel(512KiB) = %q", got)
	}
	if got := FileSizeLabel(3 * 1024 * 1024); got != "3MB" {
		t.Errorf("FileSizeLabel(3MiB) = %q", got)
	}
	if got := FileTypeLabel("application/pdf"); got != "pdf" {
		t.Errorf("FileTypeLabel(pdf) = %q", got)
	}
	if got := FileTypeLabel("video/mp4"); got != "video" {
		t.Errorf("FileTypeLabel(mp4) = %q", got)
	}
	if got := FileTypeLabel("text/plain; charset=utf-8"); got != "text" {
		t.Errorf("FileTypeLabel(text) = %q", got)
	}
}

func TestPreviewText(t *testing.T) {
	body := "see you"
	group := Conversation{
		ID:   "g1",
		Kind: KindGroup,
		Name: "Study Group",
		Participants: []Participant{
			{ID: "me", DisplayName: "Me Myself"},
			{ID: "bob", DisplayName: "Bob Stone"},
		},
	}

	tests := []struct {
		name   string
		conv   Conversation
		latest *Message
		typer  string
		want   string
	}{
		{name: "empty", conv: group, want: "Start your legendary conversation with Study"},
		{name: "own text", conv: group, latest: &Message{SenderID: "me", Body: &body, MessageType: MessageTypeChat}, want: "You: see you"},
		{name: "group text", conv: group, latest: &Message{SenderID: "bob", Body: &body, MessageType: MessageTypeChat}, want: "Bob: see you"},
		{name: "attachment", conv: group, latest: &Message{SenderID: "bob", MessageType: MessageTypeChat, Attachment: &Attachment{Type: AttachmentImage}}, want: "Bob: Sent an image"},
		{name: "video", conv: group, latest: &Message{SenderID: "me", MessageType: MessageTypeChat, Attachment: &Attachment{Type: AttachmentVideo}}, want: "You: Sent a video"},
		{name: "system", conv: group, latest: &Message{SenderID: "bob", Body: &body, MessageType: MessageTypeSystem}, want: "see you"},
		{name: "group typing", conv: group, typer: "bob", want: "Bob is typing..."},
		{name: "self typing ignored", conv: group, typer: "me", want: "Start your legendary conversation with Study"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.conv
			c.LatestMessage = tt.latest
			if got := PreviewText(c, "me", tt.typer); got != tt.want {
				t.Errorf("PreviewText() = %q, want %q", got, tt.want)
			}
		})
	}

	direct := Conversation{Kind: KindDirect, Name: "Bob Stone"}
	if got := PreviewText(direct, "me", "bob"); got != "typing..." {
		t.Errorf("PreviewText(direct typing) = %q", got)
	}
}
