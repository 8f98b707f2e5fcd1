package backend

import (
	"errors"
	"io"
	"mime/multipart"
	"strconv"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/gofiber/fiber/v2"
)

// Multipart field names of an attachment upload.
const (
	FieldSenderID       = "sender_id"
	FieldText           = "text"
	FieldAttachmentType = "attachment_type"
	FieldFile           = "file"
	FieldThumbnail      = "thumbnail"
)

// Server exposes Local over HTTP so remote engines can use it through
// HTTPClient.
type Server struct {
	local *Local
}

// NewServer creates the HTTP surface of local.
func NewServer(local *Local) *Server {
	return &Server{local: local}
}

// Register mounts the backend routes on router.
func (s *Server) Register(router fiber.Router) {
	router.Get("/conversations", s.listConversations)
	router.Post("/conversations", s.createConversation)
	router.Get("/conversations/:id", s.getConversation)
	router.Get("/conversations/:id/messages", s.listMessages)
	router.Post("/conversations/:id/messages", s.sendChat)
	router.Post("/conversations/:id/attachments", s.sendAttachment)
	router.Post("/conversations/:id/messages/:messageId/read", s.markRead)
	router.Get("/blobs/*", s.getBlob)
}

// StatusFor maps a backend error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotParticipant):
		return fiber.StatusForbidden
	case errors.Is(err, ErrConversationExists):
		return fiber.StatusConflict
	case errors.Is(err, ErrNoParticipants), errors.Is(err, ErrBadParticipant):
		return fiber.StatusBadRequest
	}
	switch chat.KindOf(err) {
	case chat.KindOversize:
		return fiber.StatusRequestEntityTooLarge
	case chat.KindStale:
		return fiber.StatusNotFound
	case chat.KindValidation:
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusForbidden:
		return "forbidden"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusBadRequest:
		return "validation_error"
	case fiber.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case fiber.StatusNotFound:
		return "not_found"
	}
	return "internal_error"
}

func fail(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	return c.Status(status).JSON(ErrorResponse{Error: errorCode(status), Message: err.Error()})
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	return c.JSON(s.local.ListConversations(c.UserContext()))
}

func (s *Server) createConversation(c *fiber.Ctx) error {
	var conv chat.Conversation
	if err := c.BodyParser(&conv); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	created, err := s.local.CreateConversation(c.UserContext(), conv)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) getConversation(c *fiber.Ctx) error {
	conv, err := s.local.GetConversation(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(conv)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	messages, err := s.local.ListMessages(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(messages)
}

func (s *Server) sendChat(c *fiber.Ctx) error {
	var req SendChatRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request body",
		})
	}
	msg, err := s.local.SendChat(c.UserContext(), c.Params("id"), chat.Draft{SenderID: req.SenderID, Text: req.Text})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (s *Server) sendAttachment(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid multipart form",
		})
	}

	files := form.File[FieldFile]
	if len(files) == 0 {
		return fail(c, chat.ErrNoFileSelected)
	}
	file, err := readPart(files[0])
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid_request", Message: err.Error()})
	}

	var thumbnail []byte
	if thumbs := form.File[FieldThumbnail]; len(thumbs) > 0 {
		thumb, err := readPart(thumbs[0])
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid_request", Message: err.Error()})
		}
		thumbnail = thumb.Data
	}

	draft := chat.Draft{
		SenderID:       formValue(form, FieldSenderID),
		Text:           chat.TextPtr(formValue(form, FieldText)),
		AttachmentType: chat.AttachmentType(formValue(form, FieldAttachmentType)),
	}
	msg, err := s.local.SendAttachment(c.UserContext(), c.Params("id"), file, draft, thumbnail)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	var req MarkReadRequest
	if err := c.BodyParser(&req); err != nil || req.ViewerID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "viewer_id is required",
		})
	}
	if err := s.local.MarkRead(c.UserContext(), c.Params("id"), c.Params("messageId"), req.ViewerID); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getBlob(c *fiber.Ctx) error {
	data, ok := s.local.Blob(BlobPrefix + c.Params("*"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "not_found", Message: "Blob not found"})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Send(data)
}

func formValue(form *multipart.Form, key string) string {
	if values := form.Value[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

func readPart(header *multipart.FileHeader) (chat.File, error) {
	f, err := header.Open()
	if err != nil {
		return chat.File{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return chat.File{}, err
	}
	return chat.File{Name: header.Filename, MIME: header.Header.Get(fiber.HeaderContentType), Data: data}, nil
}
