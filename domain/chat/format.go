package chat

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

const fallbackName = "Someone"

// Initials returns the avatar fallback for a display name: the first
// letter of at most two name parts, upper-cased.
func Initials(name string) string {
	if strings.TrimSpace(name) == "" {
		name = fallbackName
	}
	parts := strings.Fields(name)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	var b strings.Builder
	for _, p := range parts {
		r, _ := utf8.DecodeRuneInString(p)
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// FirstName returns the first word of a display name.
func FirstName(name string) string {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// SplitName splits a display name into a first name and the remainder.
func SplitName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// FileSizeLabel renders a byte count as whole megabytes or kilobytes.
func FileSizeLabel(size int64) string {
	const mib = 1024 * 1024
	if size >= mib {
		return fmt.Sprintf("%.0fMB", math.Round(float64(size)/mib))
	}
	return fmt.Sprintf("%.0fKB", math.Round(float64(size)/1024))
}

// FileTypeLabel renders a MIME type the way the compose bar shows it:
// the subtype for application types, the top-level type otherwise.
func FileTypeLabel(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	slash := strings.IndexByte(mime, '/')
	if slash < 0 {
		return mime
	}
	if strings.HasPrefix(mime, "application") {
		return mime[slash+1:]
	}
	return mime[:slash]
}

// PreviewText renders the conversation list line for viewerID. typerID is
// the participant currently shown as typing, or empty.
func PreviewText(c Conversation, viewerID, typerID string) string {
	if typerID != "" && typerID != viewerID {
		if c.Kind != KindGroup {
			return "typing..."
		}
		name := fallbackName
		if p, ok := c.Participant(typerID); ok && FirstName(p.DisplayName) != "" {
			name = FirstName(p.DisplayName)
		}
		return name + " is typing..."
	}

	latest := c.LatestMessage
	if latest == nil {
		return "Start your legendary conversation with " + FirstName(c.Name)
	}

	text := ""
	if latest.Body != nil {
		text = *latest.Body
	}
	if latest.Attachment != nil && latest.MessageType == MessageTypeChat {
		text = attachmentPhrase(latest.Attachment.Type)
	}
	if latest.MessageType != MessageTypeChat {
		return text
	}

	switch {
	case latest.SenderID == viewerID:
		return "You: " + text
	case c.Kind == KindGroup:
		name := fallbackName
		if p, ok := c.Participant(latest.SenderID); ok && FirstName(p.DisplayName) != "" {
			name = FirstName(p.DisplayName)
		}
		return name + ": " + text
	}
	return text
}

func attachmentPhrase(t AttachmentType) string {
	if t == AttachmentVideo || t == AttachmentDocument {
		return "Sent a " + string(t)
	}
	return "Sent an " + string(t)
}
