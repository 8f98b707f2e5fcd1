// Package timeline keeps the ordered, deduplicated message list of one
// conversation and reconciles optimistic sends with confirmed messages.
package timeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/google/uuid"
)

// LocalIDPrefix marks provisional message ids generated on this side.
const LocalIDPrefix = "local-"

// Status is the delivery state of a timeline entry.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Store errors
var (
	ErrEntryNotFound    = errors.New("timeline entry not found")
	ErrNotOptimistic    = errors.New("timeline entry is not an optimistic send")
	ErrNotFailed        = errors.New("timeline entry has not failed")
	ErrWrongThread      = errors.New("message belongs to another conversation")
	ErrMissingID        = errors.New("message id is required")
	ErrMissingTime      = errors.New("message timestamp is required")
	ErrIDCollision      = errors.New("message id collides with a provisional id")
	ErrNotAuthoritative = errors.New("authoritative message must carry a server id")
)

// Entry is a message as held by the timeline. Optimistic entries carry
// the provisional LocalID and a pending or failed status. Confirmed
// entries that replaced an optimistic one keep its LocalID so renderers
// can diff rather than redraw.
type Entry struct {
	chat.Message
	LocalID string `json:"local_id,omitempty"`
	Status  Status `json:"status"`
}

// Optimistic reports whether the entry is still awaiting confirmation.
func (e Entry) Optimistic() bool {
	return e.Status == StatusPending || e.Status == StatusFailed
}

// clone returns a copy that shares no mutable state with e.
func (e Entry) clone() Entry {
	e.Message = e.Message.Clone()
	return e
}

func less(a, b Entry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// Timeline is an immutable ordered map of entries keyed by id. Every
// mutation returns a new Timeline and leaves the receiver untouched.
type Timeline struct {
	entries []Entry
	index   map[string]int
}

func newTimeline(entries []Entry) *Timeline {
	t := &Timeline{entries: entries, index: make(map[string]int, len(entries))}
	for i, e := range entries {
		t.index[e.ID] = i
	}
	return t
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// Get returns a copy of the entry with the given id.
func (t *Timeline) Get(id string) (Entry, bool) {
	i, ok := t.index[id]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i].clone(), true
}

// Entries returns a copy of all entries in order.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.clone()
	}
	return out
}

// Tail returns the last entry.
func (t *Timeline) Tail() (Entry, bool) {
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1].clone(), true
}

// with returns a copy of t where e is inserted or, when its id is
// already present, replaced; order is restored by (timestamp, id).
func (t *Timeline) with(e Entry) *Timeline {
	return t.without(e.ID).insert(e)
}

func (t *Timeline) insert(e Entry) *Timeline {
	pos := sort.Search(len(t.entries), func(i int) bool { return less(e, t.entries[i]) })
	entries := make([]Entry, 0, len(t.entries)+1)
	entries = append(entries, t.entries[:pos]...)
	entries = append(entries, e)
	entries = append(entries, t.entries[pos:]...)
	return newTimeline(entries)
}

func (t *Timeline) without(id string) *Timeline {
	i, ok := t.index[id]
	if !ok {
		return t
	}
	entries := make([]Entry, 0, len(t.entries)-1)
	entries = append(entries, t.entries[:i]...)
	entries = append(entries, t.entries[i+1:]...)
	return newTimeline(entries)
}

// Store holds the current timeline of one conversation. Readers get
// snapshots; writers swap in a new Timeline under the lock.
type Store struct {
	mu             sync.RWMutex
	conversationID string
	current        *Timeline
	now            func() time.Time
	newID          func() string

	// Readers of messages not loaded yet, applied when the message lands.
	held      map[string][]string
	heldOrder []string
}

// MaxHeldReceipts bounds how many unknown message ids keep early receipts.
const MaxHeldReceipts = 256

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the provisional id generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates an empty timeline for a conversation.
func NewStore(conversationID string, opts ...Option) *Store {
	s := &Store{
		conversationID: conversationID,
		current:        newTimeline(nil),
		held:           make(map[string][]string),
		now:            time.Now,
		newID:          func() string { return LocalIDPrefix + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConversationID returns the conversation this store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Timeline returns the current immutable timeline.
func (s *Store) Timeline() *Timeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Snapshot returns the ordered entries.
func (s *Store) Snapshot() []Entry {
	return s.Timeline().Entries()
}

// Messages returns the ordered messages without delivery state.
func (s *Store) Messages() []chat.Message {
	return Messages(s.Snapshot())
}

// Messages strips delivery state from entries.
func Messages(entries []Entry) []chat.Message {
	out := make([]chat.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// update applies fn to the current timeline and swaps in the result. A
// non-nil error discards the result so a failed merge is a no-op.
func (s *Store) update(fn func(t *Timeline) (*Timeline, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(s.current)
	if err != nil {
		return err
	}
	s.current = next
	return nil
}

// Append inserts an optimistic entry at the tail and returns its
// provisional id. The entry timestamp is strictly after the current tail
// so local sends keep their submission order.
func (s *Store) Append(draft chat.Draft, attachment *chat.Attachment) (Entry, error) {
	var entry Entry
	err := s.update(func(t *Timeline) (*Timeline, error) {
		ts := s.now().UTC()
		if tail, ok := t.Tail(); ok && !ts.After(tail.Timestamp) {
			ts = tail.Timestamp.Add(time.Millisecond)
		}
		msg := chat.Message{
			ID:             s.newID(),
			ConversationID: s.conversationID,
			SenderID:       draft.SenderID,
			Body:           draft.Text,
			Attachment:     attachment,
			MessageType:    chat.MessageTypeChat,
			Timestamp:      ts,
			ReadBy:         chat.NormalizeReaders([]string{draft.SenderID}),
		}
		entry = Entry{Message: msg.Clone(), LocalID: msg.ID, Status: StatusPending}
		return t.insert(entry), nil
	})
	return entry, err
}

func (s *Store) checkRemote(msg chat.Message) error {
	switch {
	case msg.ID == "":
		return ErrMissingID
	case msg.Timestamp.IsZero():
		return ErrMissingTime
	case msg.ConversationID != "" && msg.ConversationID != s.conversationID:
		return fmt.Errorf("%w: %s", ErrWrongThread, msg.ConversationID)
	}
	return nil
}

// MergeRemote inserts a confirmed message or folds it into the stored
// copy with the same id. The read set is unioned, the timestamp never
// changes, and other fields only fill values that are still empty.
func (s *Store) MergeRemote(msg chat.Message) (Entry, error) {
	if err := s.checkRemote(msg); err != nil {
		return Entry{}, err
	}
	var merged Entry
	err := s.update(func(t *Timeline) (*Timeline, error) {
		existing, ok := t.Get(msg.ID)
		if ok && existing.Optimistic() {
			return nil, fmt.Errorf("%w: %s", ErrIDCollision, msg.ID)
		}
		if !ok {
			merged = Entry{Message: s.releaseHeldLocked(normalize(msg, s.conversationID)), Status: StatusConfirmed}
			return t.insert(merged), nil
		}
		merged = existing
		merged.Message = s.releaseHeldLocked(mergeFields(existing.Message, msg))
		return t.with(merged), nil
	})
	return merged.clone(), err
}

// ReplaceOptimistic swaps the provisional entry localID for its
// authoritative counterpart. The timeline is re-sorted when the
// authoritative timestamp moves the entry; if the authoritative id
// already arrived from the bus the provisional entry is dropped.
func (s *Store) ReplaceOptimistic(localID string, authoritative chat.Message) (Entry, error) {
	if err := s.checkRemote(authoritative); err != nil {
		return Entry{}, err
	}
	if authoritative.ID == localID {
		return Entry{}, ErrNotAuthoritative
	}
	var replaced Entry
	err := s.update(func(t *Timeline) (*Timeline, error) {
		local, ok := t.Get(localID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, localID)
		}
		if !local.Optimistic() {
			return nil, fmt.Errorf("%w: %s", ErrNotOptimistic, localID)
		}

		msg := s.releaseHeldLocked(normalize(authoritative, s.conversationID))
		msg.ReadBy = chat.UnionReaders(msg.ReadBy, local.ReadBy)
		next := t.without(localID)

		if echo, ok := next.Get(msg.ID); ok {
			if echo.Optimistic() {
				return nil, fmt.Errorf("%w: %s", ErrIDCollision, msg.ID)
			}
			echo.Message = mergeFields(echo.Message, msg)
			echo.LocalID = localID
			replaced = echo
			return next.with(echo), nil
		}

		replaced = Entry{Message: msg, LocalID: localID, Status: StatusConfirmed}
		return next.insert(replaced), nil
	})
	return replaced.clone(), err
}

// MarkFailed flags a pending optimistic entry as failed. The entry and
// its authored content stay in the timeline for retry or discard.
func (s *Store) MarkFailed(localID string) error {
	return s.setStatus(localID, StatusFailed)
}

// MarkPending moves a failed entry back to pending before a retry.
func (s *Store) MarkPending(localID string) error {
	return s.setStatus(localID, StatusPending)
}

func (s *Store) setStatus(localID string, status Status) error {
	return s.update(func(t *Timeline) (*Timeline, error) {
		e, ok := t.Get(localID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, localID)
		}
		if !e.Optimistic() {
			return nil, fmt.Errorf("%w: %s", ErrNotOptimistic, localID)
		}
		if e.Status == status {
			return t, nil
		}
		e.Status = status
		return t.with(e), nil
	})
}

// Discard removes a failed optimistic entry at the user's request.
func (s *Store) Discard(localID string) error {
	return s.update(func(t *Timeline) (*Timeline, error) {
		e, ok := t.Get(localID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, localID)
		}
		if e.Status != StatusFailed {
			return nil, fmt.Errorf("%w: %s", ErrNotFailed, localID)
		}
		return t.without(localID), nil
	})
}

// ApplyReceipt unions viewerID into the read set of messageID. changed is
// false when the viewer was already present.
func (s *Store) ApplyReceipt(messageID, viewerID string) (entry Entry, changed bool, err error) {
	err = s.update(func(t *Timeline) (*Timeline, error) {
		e, ok := t.Get(messageID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", chat.ErrMessageUnknown, messageID)
		}
		if e.HasReader(viewerID) {
			entry = e
			return t, nil
		}
		e.ReadBy = chat.UnionReaders(e.ReadBy, []string{viewerID})
		entry, changed = e, true
		return t.with(e), nil
	})
	return entry.clone(), changed, err
}

// ApplyRemoteReceipt is ApplyReceipt for receipts from other devices. A
// receipt for a message not in the timeline yet is held and folded in
// when the message arrives, so read sets converge in any arrival order.
func (s *Store) ApplyRemoteReceipt(messageID, viewerID string) (entry Entry, changed bool, err error) {
	err = s.update(func(t *Timeline) (*Timeline, error) {
		e, ok := t.Get(messageID)
		if !ok {
			s.holdLocked(messageID, viewerID)
			return t, nil
		}
		if e.HasReader(viewerID) {
			entry = e
			return t, nil
		}
		e.ReadBy = chat.UnionReaders(e.ReadBy, []string{viewerID})
		entry, changed = e, true
		return t.with(e), nil
	})
	return entry.clone(), changed, err
}

// HeldReceipts returns the number of message ids with held receipts.
func (s *Store) HeldReceipts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.held)
}

func (s *Store) holdLocked(messageID, viewerID string) {
	if messageID == "" {
		return
	}
	if _, ok := s.held[messageID]; !ok {
		if len(s.heldOrder) >= MaxHeldReceipts {
			oldest := s.heldOrder[0]
			s.heldOrder = s.heldOrder[1:]
			delete(s.held, oldest)
		}
		s.heldOrder = append(s.heldOrder, messageID)
	}
	s.held[messageID] = chat.UnionReaders(s.held[messageID], []string{viewerID})
}

// releaseHeldLocked folds held readers into msg and forgets them.
func (s *Store) releaseHeldLocked(msg chat.Message) chat.Message {
	readers, ok := s.held[msg.ID]
	if !ok {
		return msg
	}
	delete(s.held, msg.ID)
	for i, id := range s.heldOrder {
		if id == msg.ID {
			s.heldOrder = append(s.heldOrder[:i], s.heldOrder[i+1:]...)
			break
		}
	}
	msg.ReadBy = chat.UnionReaders(msg.ReadBy, readers)
	return msg
}

func normalize(msg chat.Message, conversationID string) chat.Message {
	out := msg.Clone()
	out.ConversationID = conversationID
	out.Timestamp = out.Timestamp.UTC()
	out.ReadBy = chat.NormalizeReaders(out.ReadBy)
	if out.MessageType == "" {
		out.MessageType = chat.MessageTypeChat
	}
	return out
}

// mergeFields folds incoming into stored without ever losing information.
func mergeFields(stored, incoming chat.Message) chat.Message {
	out := stored.Clone()
	out.ReadBy = chat.UnionReaders(stored.ReadBy, chat.NormalizeReaders(incoming.ReadBy))
	if out.Body == nil && incoming.Body != nil {
		body := *incoming.Body
		out.Body = &body
	}
	if incoming.Attachment != nil {
		if out.Attachment == nil {
			att := *incoming.Attachment
			out.Attachment = &att
		} else {
			if out.Attachment.Ref == "" {
				out.Attachment.Ref = incoming.Attachment.Ref
			}
			if out.Attachment.Thumbnail == "" {
				out.Attachment.Thumbnail = incoming.Attachment.Thumbnail
			}
		}
	}
	if out.SenderID == "" {
		out.SenderID = incoming.SenderID
	}
	return out
}
