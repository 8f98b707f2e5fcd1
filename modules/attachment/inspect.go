package attachment

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/gabriel-vasile/mimetype"
)

const octetStream = "application/octet-stream"

// Inspect resolves the media type of a selected file. The declared type
// wins, then the file extension, then content sniffing.
func Inspect(name, declared string, data []byte) (chat.AttachmentType, string) {
	mt := baseType(declared)
	if mt == "" || mt == octetStream {
		if byExt := baseType(mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))); byExt != "" {
			mt = byExt
		}
	}
	if mt == "" || mt == octetStream {
		mt = baseType(mimetype.Detect(data).String())
	}
	return Category(mt), mt
}

// Category maps a MIME type onto an attachment category. Anything that is
// not image, video or audio is a document.
func Category(mt string) chat.AttachmentType {
	switch {
	case strings.HasPrefix(mt, "image/"):
		return chat.AttachmentImage
	case strings.HasPrefix(mt, "video/"):
		return chat.AttachmentVideo
	case strings.HasPrefix(mt, "audio/"):
		return chat.AttachmentAudio
	}
	return chat.AttachmentDocument
}

func baseType(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
