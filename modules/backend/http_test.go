package backend

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, l *Local) *HTTPClient {
	t.Helper()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	NewServer(l).Register(app.Group("/api/v1"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return NewHTTPClient("http://"+ln.Addr().String()+"/api/v1/", "token", 2*time.Second)
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	l, _, conv := newTestLocal(t)
	client := startServer(t, l)
	ctx := context.Background()

	got, err := client.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.Name, got.Name)
	assert.Len(t, got.Participants, 2)

	sent, err := client.SendChat(ctx, conv.ID, chat.Draft{SenderID: "ada", Text: chat.TextPtr("hello")})
	require.NoError(t, err)
	require.NotNil(t, sent.Body)
	assert.Equal(t, "hello", *sent.Body)

	require.NoError(t, client.MarkRead(ctx, conv.ID, sent.ID, "grace"))

	messages, err := client.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, sent.ID, messages[0].ID)
	assert.Equal(t, []string{"ada", "grace"}, messages[0].ReadBy)
}

func TestHTTPClient_SendAttachment(t *testing.T) {
	l, _, conv := newTestLocal(t)
	client := startServer(t, l)
	ctx := context.Background()

	file := chat.File{Name: "clip.mp4", MIME: "video/mp4", Data: []byte("not really a video")}
	draft := chat.Draft{SenderID: "grace", Text: chat.TextPtr("look"), AttachmentType: chat.AttachmentVideo}

	msg, err := client.SendAttachment(ctx, conv.ID, file, draft, []byte("png"))
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, chat.AttachmentVideo, msg.Attachment.Type)
	assert.NotEmpty(t, msg.Attachment.Thumbnail)
	require.NotNil(t, msg.Body)
	assert.Equal(t, "look", *msg.Body)

	data, ok := l.Blob(msg.Attachment.Ref)
	require.True(t, ok)
	assert.Equal(t, file.Data, data)
}

func TestHTTPClient_ErrorMapping(t *testing.T) {
	l, _, conv := newTestLocal(t, WithMaxAttachmentSize(8))
	client := startServer(t, l)
	ctx := context.Background()

	_, err := client.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	assert.Equal(t, chat.KindStale, chat.KindOf(err))

	_, err = client.SendAttachment(ctx, conv.ID, chat.File{Name: "big.bin", Data: make([]byte, 32)}, chat.Draft{SenderID: "ada"}, nil)
	assert.ErrorIs(t, err, chat.ErrPayloadTooLarge)
	assert.Equal(t, chat.KindOversize, chat.KindOf(err))

	_, err = client.SendChat(ctx, conv.ID, chat.Draft{SenderID: "mallory", Text: chat.TextPtr("hi")})
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = client.SendChat(ctx, conv.ID, chat.Draft{SenderID: "ada"})
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))

	err = client.MarkRead(ctx, conv.ID, "nope", "grace")
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))
}

func TestHTTPClient_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := NewHTTPClient("http://"+addr, "", 500*time.Millisecond)
	_, err = client.GetConversation(context.Background(), "c1")
	assert.ErrorIs(t, err, chat.ErrRequestFailed)
	assert.Equal(t, chat.KindTransient, chat.KindOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.ListMessages(ctx, "c1", 0)
	assert.ErrorIs(t, err, chat.ErrRequestFailed)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{chat.ErrPayloadTooLarge, fiber.StatusRequestEntityTooLarge},
		{chat.ErrConversationNotFound, fiber.StatusNotFound},
		{chat.ErrMessageEmpty, fiber.StatusBadRequest},
		{ErrNotParticipant, fiber.StatusForbidden},
		{ErrConversationExists, fiber.StatusConflict},
		{ErrBadParticipant, fiber.StatusBadRequest},
		{assert.AnError, fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
