package api

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/broadcast"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// handleWebSocket handles WebSocket connections at
// /ws?viewer=<id>&conversation=<id>. The view is opened on connect and
// closed when the viewer's last connection to it goes away.
func (m *APIModule) handleWebSocket(c *websocket.Conn) {
	viewerID := c.Query("viewer")
	conversationID := c.Query("conversation")
	if viewerID == "" || conversationID == "" {
		_ = c.WriteJSON(broadcast.WSBroadcast{Type: broadcast.TypeError, Error: "viewer and conversation are required"})
		return
	}

	ctx := context.Background()
	view, compose, err := m.sessions.Open(ctx, viewerID, conversationID)
	if err != nil {
		notice := chat.NoticeFor(err)
		_ = c.WriteJSON(broadcast.WSBroadcast{Type: broadcast.TypeError, Error: err.Error(), Notice: &notice})
		return
	}

	client := &broadcast.Client{
		ID:             uuid.New().String(),
		ViewerID:       viewerID,
		ConversationID: conversationID,
		Conn:           c,
	}
	m.retain(viewerID, conversationID)
	m.hub.Register(client)

	sub := m.forwardSummaries(client)
	defer func() {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		m.hub.Unregister(client)
		if m.release(viewerID, conversationID) {
			if err := m.sessions.Close(ctx, viewerID, conversationID); err != nil {
				log.Printf("[api] Failed to close view %s/%s: %v", viewerID, conversationID, err)
			}
		}
		log.Printf("[api] WebSocket client disconnected: %s (%s)", client.ID, viewerID)
	}()

	log.Printf("[api] WebSocket client connected: %s (%s in %s)", client.ID, viewerID, conversationID)

	m.hub.Send(client.ID, broadcast.WSBroadcast{
		Type:           broadcast.TypeConnected,
		ClientID:       client.ID,
		ViewerID:       viewerID,
		ConversationID: conversationID,
		View:           &view,
		Compose:        &compose,
		Timestamp:      time.Now(),
	})

	limiter := rate.NewLimiter(rate.Limit(m.cfg.WSRate), m.cfg.WSBurst)
	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[api] Client %s closed connection", client.ID)
			} else {
				log.Printf("[api] Read error from %s: %v", client.ID, err)
			}
			break
		}
		if !limiter.Allow() {
			m.sendError(client, "Too many messages, slow down")
			continue
		}

		var msg WSMessage
		if err := json.Unmarshal(msgBytes, &msg); err != nil {
			m.sendError(client, "Invalid message format")
			continue
		}
		m.dispatch(ctx, client, msg)
	}
}

// forwardSummaries relays the viewer's conversation summaries to client.
func (m *APIModule) forwardSummaries(client *broadcast.Client) bus.Subscription {
	if m.bus == nil {
		return nil
	}
	sub, err := m.bus.Subscribe(bus.UserTopic(client.ViewerID), func(_ context.Context, payload []byte) {
		var summary chat.ConversationSummary
		if err := json.Unmarshal(payload, &summary); err != nil {
			log.Printf("[api] Dropping malformed summary for %s: %v", client.ViewerID, err)
			return
		}
		m.hub.Send(client.ID, broadcast.WSBroadcast{
			Type:           broadcast.TypeSummary,
			ViewerID:       client.ViewerID,
			ConversationID: summary.ConversationID,
			Summary:        &summary,
			Timestamp:      time.Now(),
		})
	})
	if err != nil {
		log.Printf("[api] Failed to subscribe to summaries of %s: %v", client.ViewerID, err)
		return nil
	}
	return sub
}

// dispatch runs one inbound frame. View changes reach the client through
// the broadcast module; replies here only acknowledge the request.
func (m *APIModule) dispatch(ctx context.Context, client *broadcast.Client, msg WSMessage) {
	viewerID, conversationID := client.ViewerID, client.ConversationID

	var err error
	switch msg.Type {
	case WSTypeKeystroke:
		_, err = m.sessions.Keystroke(ctx, viewerID, conversationID, msg.Draft)
		if err == nil {
			return
		}
	case WSTypeSend:
		_, err = m.sessions.Send(ctx, viewerID, conversationID, msg.Text)
	case WSTypeRetry:
		_, err = m.sessions.Retry(ctx, viewerID, conversationID, msg.LocalID)
	case WSTypeDiscard:
		err = m.sessions.Discard(ctx, viewerID, conversationID, msg.LocalID)
	case WSTypeRead:
		_, err = m.sessions.MarkRead(ctx, viewerID, conversationID, msg.MessageID)
	case WSTypeMode:
		_, err = m.sessions.SelectMode(ctx, viewerID, conversationID, msg.Mode)
	case WSTypeCall:
		_, err = m.sessions.StartCall(ctx, viewerID, conversationID)
	case WSTypeTimeline:
		view, compose, terr := m.sessions.Timeline(ctx, viewerID, conversationID)
		if terr != nil {
			err = terr
			break
		}
		m.hub.Send(client.ID, broadcast.WSBroadcast{
			Type:           broadcast.TypeTimeline,
			ViewerID:       viewerID,
			ConversationID: conversationID,
			View:           &view,
			Compose:        &compose,
			Timestamp:      time.Now(),
		})
		return
	default:
		m.sendError(client, "Unknown message type: "+msg.Type)
		return
	}

	if err != nil {
		notice := chat.NoticeFor(err)
		m.hub.Send(client.ID, broadcast.WSBroadcast{
			Type:           broadcast.TypeError,
			ConversationID: conversationID,
			Ack:            msg.Type,
			Error:          err.Error(),
			Notice:         &notice,
		})
		return
	}
	m.hub.Send(client.ID, broadcast.WSBroadcast{Type: broadcast.TypeAck, ConversationID: conversationID, Ack: msg.Type})
}

func (m *APIModule) sendError(client *broadcast.Client, message string) {
	m.hub.Send(client.ID, broadcast.WSBroadcast{Type: broadcast.TypeError, Error: message})
}
