package chat

import (
	"errors"
	"strings"
)

// ErrorKind is the failure class an error belongs to.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindTransient    ErrorKind = "transient_send_failure"
	KindOversize     ErrorKind = "oversize_payload"
	KindCallBackend  ErrorKind = "call_backend_failure"
	KindStale        ErrorKind = "stale_conversation"
	KindUnclassified ErrorKind = "unclassified"
)

// Validation constants
const (
	MaxMessageLength = 5000
	MaxNameLength    = 100
)

// Sentinel errors surfaced to callers.
var (
	ErrInvalidAttachmentType = errors.New("invalid attachment type")
	ErrPayloadTooLarge       = errors.New("payload too large")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrRequestFailed         = errors.New("request failed")
	ErrCallBackend           = errors.New("call backend failure")

	ErrMessageEmpty   = errors.New("message needs text or an attachment")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrMessageInvalid = errors.New("message contains invalid characters")
	ErrMessageUnknown = errors.New("message not found")
	ErrNameEmpty      = errors.New("name cannot be empty")
	ErrNameTooLong    = errors.New("name exceeds maximum length")
	ErrNoFileSelected = errors.New("no file selected")
	ErrEmptyFile      = errors.New("selected file is empty")
	ErrInvalidMode    = errors.New("unknown attachment mode")
)

// Error tags an underlying error with its failure class.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify wraps err with the failure class derived from it. Errors that
// already carry a class are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf reports the failure class of err.
func KindOf(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPayloadTooLarge):
		return KindOversize
	case errors.Is(err, ErrConversationNotFound):
		return KindStale
	case errors.Is(err, ErrCallBackend):
		return KindCallBackend
	case errors.Is(err, ErrInvalidAttachmentType),
		errors.Is(err, ErrMessageEmpty),
		errors.Is(err, ErrMessageTooLong),
		errors.Is(err, ErrMessageInvalid),
		errors.Is(err, ErrMessageUnknown),
		errors.Is(err, ErrNameEmpty),
		errors.Is(err, ErrNameTooLong),
		errors.Is(err, ErrNoFileSelected),
		errors.Is(err, ErrEmptyFile),
		errors.Is(err, ErrInvalidMode):
		return KindValidation
	case errors.Is(err, ErrRequestFailed):
		return KindTransient
	}
	// Remote backends report oversize uploads in free text.
	if strings.Contains(strings.ToLower(err.Error()), "large") {
		return KindOversize
	}
	return KindUnclassified
}

// Notice is the user-facing message for a failure or an outcome.
type Notice struct {
	Level       string    `json:"level"`
	Kind        ErrorKind `json:"kind,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Navigate    bool      `json:"navigate,omitempty"`
}

// NoticeFor converts an operation failure into a user notification.
func NoticeFor(err error) Notice {
	kind := KindOf(err)
	switch kind {
	case KindOversize:
		return Notice{Level: "error", Kind: kind, Title: "A Slight issue", Description: "This project currently allows max doc size of 10MB"}
	case KindStale:
		return Notice{Level: "error", Kind: kind, Title: "This DM seems to not be found", Navigate: true}
	case KindCallBackend:
		return Notice{Level: "error", Kind: kind, Title: "Couldn't Place Call", Description: rootMessage(err)}
	case KindValidation:
		if errors.Is(err, ErrInvalidAttachmentType) {
			return Notice{Level: "error", Kind: kind, Title: "Error Selecting File", Description: "You can only select documents if you specified them as documents"}
		}
		return Notice{Level: "error", Kind: kind, Title: "Invalid input", Description: rootMessage(err)}
	}
	return Notice{Level: "error", Kind: kind, Title: "An Error Occurred", Description: rootMessage(err)}
}

// CallCreatedNotice is shown after a call was placed or joined.
func CallCreatedNotice(joined bool) Notice {
	n := Notice{Level: "success", Title: "Call Created"}
	if joined {
		n.Description = "Join the call"
	}
	return n
}

// ErrorFromKind rebuilds a classified error from a kind and message that
// crossed a serialization boundary.
func ErrorFromKind(kind ErrorKind, message string) error {
	var base error
	switch kind {
	case KindOversize:
		base = ErrPayloadTooLarge
	case KindStale:
		base = ErrConversationNotFound
	case KindCallBackend:
		base = ErrCallBackend
	case KindTransient:
		base = ErrRequestFailed
	case KindValidation:
		if strings.Contains(message, ErrInvalidAttachmentType.Error()) {
			base = ErrInvalidAttachmentType
		} else {
			return &Error{Kind: kind, Err: errors.New(message)}
		}
	default:
		return &Error{Kind: KindUnclassified, Err: errors.New(message)}
	}
	return &Error{Kind: kind, Err: remoteError{msg: message, base: base}}
}

type remoteError struct {
	msg  string
	base error
}

func (e remoteError) Error() string { return e.msg }
func (e remoteError) Unwrap() error { return e.base }

func rootMessage(err error) string {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Err.Error()
	}
	return err.Error()
}
