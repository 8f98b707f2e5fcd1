package chat

import (
	"strings"
	"unicode/utf8"
)

// ValidateDraft checks an outbound draft before any network call.
func ValidateDraft(draft Draft, hasFile bool) error {
	if draft.Text != nil {
		if len(*draft.Text) > MaxMessageLength {
			return ErrMessageTooLong
		}
		if !utf8.ValidString(*draft.Text) {
			return ErrMessageInvalid
		}
	}
	if draft.AttachmentType != "" && !draft.AttachmentType.Valid() {
		return ErrInvalidAttachmentType
	}
	if !hasFile && (draft.Text == nil || strings.TrimSpace(*draft.Text) == "") {
		return ErrMessageEmpty
	}
	return nil
}

// ValidateName validates a conversation or participant name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	if !utf8.ValidString(name) {
		return ErrMessageInvalid
	}
	return nil
}

// TextPtr returns nil for blank text, matching how drafts are sent.
func TextPtr(text string) *string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return &text
}
