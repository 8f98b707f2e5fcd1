// Package call starts or joins the ad-hoc call of a conversation.
package call

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/go-monolith/mono/pkg/types"
	"golang.org/x/sync/singleflight"
)

// CallType is the call template requested from the backend.
const CallType = "default"

// Call member roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// MemberCustom is the display data attached to a call member.
type MemberCustom struct {
	Color     string `json:"color"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Profile   string `json:"profile,omitempty"`
}

// Member is a conversation participant mapped onto a call member.
type Member struct {
	UserID string       `json:"user_id"`
	Role   string       `json:"role"`
	Custom MemberCustom `json:"custom"`
}

// CustomData identifies the conversation a call belongs to.
type CustomData struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Color string `json:"color"`
}

// Options is the join-or-create request sent to the call backend.
type Options struct {
	Type              string     `json:"type"`
	ConversationID    string     `json:"conversation_id"`
	CreatedAtSecond   int64      `json:"created_at_second"`
	CameraEnabled     bool       `json:"camera_enabled"`
	MicrophoneEnabled bool       `json:"microphone_enabled"`
	Create            bool       `json:"create"`
	Ring              bool       `json:"ring"`
	Video             bool       `json:"video"`
	Custom            CustomData `json:"custom"`
	Members           []Member   `json:"members"`
}

// Handle is the result of a join-or-create request. Joined is true when
// the session already existed.
type Handle struct {
	Session chat.CallSession `json:"session"`
	Joined  bool             `json:"joined"`
}

// Backend is the external call service.
type Backend interface {
	CreateOrJoin(ctx context.Context, sessionID string, opts Options) (Handle, error)
}

// SessionID derives the call id from the conversation and the wall-clock
// second. Starts within the same second collide onto one session; starts
// a second apart produce two.
func SessionID(conversationID string, at time.Time) string {
	return conversationID + "-" + strconv.FormatInt(at.Unix(), 10)
}

// Members maps conversation participants onto call members.
func Members(conv chat.Conversation) []Member {
	members := make([]Member, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		first, last := chat.SplitName(p.DisplayName)
		m := Member{
			UserID: p.ID,
			Role:   RoleUser,
			Custom: MemberCustom{Color: p.Color, FirstName: first, LastName: last},
		}
		if p.Role == chat.RoleAdmin {
			m.Role = RoleAdmin
		}
		if p.AvatarRef != nil {
			m.Custom.Profile = *p.AvatarRef
		}
		members = append(members, m)
	}
	return members
}

// Coordinator starts calls for conversations.
type Coordinator struct {
	backend Backend
	logger  types.Logger
	now     func() time.Time
	group   singleflight.Group
}

// NewCoordinator creates a coordinator over backend.
func NewCoordinator(backend Backend, logger types.Logger) *Coordinator {
	return &Coordinator{backend: backend, logger: logger, now: time.Now}
}

// SetClock overrides the clock used for session ids.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Start joins or creates the call for conv with camera and microphone
// disabled and every member rung. Concurrent local starts for the same
// session id share one backend request. Backend failures wrap
// chat.ErrCallBackend and never touch chat state.
func (c *Coordinator) Start(ctx context.Context, conv chat.Conversation) (Handle, error) {
	at := c.now()
	id := SessionID(conv.ID, at)
	opts := Options{
		Type:              CallType,
		ConversationID:    conv.ID,
		CreatedAtSecond:   at.Unix(),
		CameraEnabled:     false,
		MicrophoneEnabled: false,
		Create:            true,
		Ring:              true,
		Video:             true,
		Custom:            CustomData{Name: conv.Name, ID: conv.ID, Color: conv.Color},
		Members:           Members(conv),
	}

	v, err, shared := c.group.Do(id, func() (any, error) {
		return c.backend.CreateOrJoin(ctx, id, opts)
	})
	if err != nil {
		c.logger.Warn("Call backend failed", "conversationID", conv.ID, "sessionID", id, "error", err)
		return Handle{}, chat.Classify("start call", fmt.Errorf("%w: %w", chat.ErrCallBackend, err))
	}

	h := v.(Handle)
	c.logger.Info("Call started",
		"conversationID", conv.ID,
		"sessionID", id,
		"joined", h.Joined,
		"shared", shared)
	return h, nil
}
