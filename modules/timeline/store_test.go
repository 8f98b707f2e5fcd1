package timeline

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func text(s string) *string { return &s }

func remote(id, sender string, offset time.Duration, readBy ...string) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           text("msg " + id),
		MessageType:    chat.MessageTypeChat,
		Timestamp:      base.Add(offset),
		ReadBy:         readBy,
	}
}

func newTestStore() *Store {
	n := 0
	clock := base
	return NewStore("c1",
		WithClock(func() time.Time { clock = clock.Add(time.Second); return clock }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("tmp%d", n) }),
	)
}

func requireOrdered(t *testing.T, entries []Entry) {
	t.Helper()
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		require.False(t, seen[e.ID], "duplicate id %s", e.ID)
		seen[e.ID] = true
		if i > 0 {
			require.False(t, less(e, entries[i-1]), "entries %d and %d out of order", i-1, i)
		}
	}
}

func TestStore_AppendIsOptimisticAtTail(t *testing.T) {
	s := newTestStore()
	_, err := s.MergeRemote(remote("srv1", "bob", time.Hour))
	require.NoError(t, err)

	e, err := s.Append(chat.Draft{SenderID: "alice", Text: text("hello")}, nil)
	require.NoError(t, err)

	assert.Equal(t, "tmp1", e.ID)
	assert.Equal(t, "tmp1", e.LocalID)
	assert.Equal(t, StatusPending, e.Status)
	assert.True(t, e.Timestamp.After(base.Add(time.Hour)))
	assert.Equal(t, []string{"alice"}, e.ReadBy)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "tmp1", snap[1].ID)
}

func TestStore_AppendKeepsSubmissionOrder(t *testing.T) {
	s := NewStore("c1", WithClock(func() time.Time { return base }))
	first, err := s.Append(chat.Draft{SenderID: "a", Text: text("1")}, nil)
	require.NoError(t, err)
	second, err := s.Append(chat.Draft{SenderID: "a", Text: text("2")}, nil)
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, first.ID, snap[0].ID)
	assert.Equal(t, second.ID, snap[1].ID)
}

func TestStore_ReplaceOptimistic(t *testing.T) {
	s := newTestStore()
	e, err := s.Append(chat.Draft{SenderID: "alice", Text: text("hello")}, nil)
	require.NoError(t, err)

	srv := remote("srv9", "alice", 30*time.Second, "alice")
	srv.Body = text("hello")
	got, err := s.ReplaceOptimistic(e.LocalID, srv)
	require.NoError(t, err)

	assert.Equal(t, "srv9", got.ID)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "tmp1", got.LocalID)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "srv9", snap[0].ID)
	_, ok := s.Timeline().Get("tmp1")
	assert.False(t, ok)
}

func TestStore_ReplaceOptimisticResorts(t *testing.T) {
	s := newTestStore()
	_, err := s.MergeRemote(remote("srv1", "bob", 10*time.Second))
	require.NoError(t, err)
	e, err := s.Append(chat.Draft{SenderID: "alice", Text: text("late clock")}, nil)
	require.NoError(t, err)
	_, err = s.MergeRemote(remote("srv2", "bob", 20*time.Second))
	require.NoError(t, err)

	// server timestamp lands before srv1
	_, err = s.ReplaceOptimistic(e.LocalID, remote("srv0", "alice", 5*time.Second, "alice"))
	require.NoError(t, err)

	ids := []string{}
	for _, entry := range s.Snapshot() {
		ids = append(ids, entry.ID)
	}
	assert.Equal(t, []string{"srv0", "srv1", "srv2"}, ids)
}

func TestStore_ReplaceOptimisticAfterEcho(t *testing.T) {
	s := newTestStore()
	e, err := s.Append(chat.Draft{SenderID: "alice", Text: text("hi")}, nil)
	require.NoError(t, err)

	// the bus delivers the confirmed copy before the send call returns
	_, err = s.MergeRemote(remote("srv9", "alice", time.Minute, "alice", "bob"))
	require.NoError(t, err)
	require.Len(t, s.Snapshot(), 2)

	got, err := s.ReplaceOptimistic(e.LocalID, remote("srv9", "alice", time.Minute, "alice"))
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, got.ReadBy)
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "srv9", snap[0].ID)
	assert.Equal(t, "tmp1", snap[0].LocalID)
}

func TestStore_ReplaceOptimisticErrorsLeaveStoreUntouched(t *testing.T) {
	s := newTestStore()
	_, err := s.MergeRemote(remote("srv1", "bob", 0))
	require.NoError(t, err)
	before := s.Timeline()

	tests := []struct {
		name    string
		localID string
		msg     chat.Message
		wantErr error
	}{
		{name: "unknown local id", localID: "tmp42", msg: remote("srv2", "a", 0), wantErr: ErrEntryNotFound},
		{name: "confirmed entry", localID: "srv1", msg: remote("srv2", "a", 0), wantErr: ErrNotOptimistic},
		{name: "missing id", localID: "tmp1", msg: chat.Message{Timestamp: base}, wantErr: ErrMissingID},
		{name: "other conversation", localID: "tmp1", msg: chat.Message{ID: "x", ConversationID: "c2", Timestamp: base}, wantErr: ErrWrongThread},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ReplaceOptimistic(tt.localID, tt.msg)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Same(t, before, s.Timeline())
		})
	}
}

func TestStore_MergeRemoteUnionsReadBy(t *testing.T) {
	s := newTestStore()
	_, err := s.MergeRemote(remote("m1", "bob", 0, "bob", "carol"))
	require.NoError(t, err)

	stale := remote("m1", "bob", time.Hour, "bob")
	stale.Body = text("edited elsewhere")
	got, err := s.MergeRemote(stale)
	require.NoError(t, err)

	assert.Equal(t, []string{"bob", "carol"}, got.ReadBy)
	assert.Equal(t, base, got.Timestamp, "timestamp is immutable")
	assert.Equal(t, "msg m1", *got.Body)
	assert.Len(t, s.Snapshot(), 1)
}

func TestStore_MergeRemoteFillsMissingAttachment(t *testing.T) {
	s := newTestStore()
	msg := remote("m1", "bob", 0)
	msg.Attachment = &chat.Attachment{Type: chat.AttachmentVideo, Ref: "blob/1"}
	_, err := s.MergeRemote(msg)
	require.NoError(t, err)

	update := remote("m1", "bob", 0)
	update.Attachment = &chat.Attachment{Type: chat.AttachmentVideo, Ref: "blob/other", Thumbnail: "thumb/1"}
	got, err := s.MergeRemote(update)
	require.NoError(t, err)

	assert.Equal(t, "blob/1", got.Attachment.Ref)
	assert.Equal(t, "thumb/1", got.Attachment.Thumbnail)
}

func TestStore_MarkFailedRetainsEntry(t *testing.T) {
	s := newTestStore()
	e, err := s.Append(chat.Draft{SenderID: "alice", Text: text("offline")}, nil)
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(e.LocalID))
	got, ok := s.Timeline().Get(e.LocalID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "offline", *got.Body)

	require.NoError(t, s.MarkPending(e.LocalID))
	got, _ = s.Timeline().Get(e.LocalID)
	assert.Equal(t, StatusPending, got.Status)

	assert.ErrorIs(t, s.Discard(e.LocalID), ErrNotFailed)
	require.NoError(t, s.MarkFailed(e.LocalID))
	require.NoError(t, s.Discard(e.LocalID))
	assert.Empty(t, s.Snapshot())
}

func TestStore_MergeRemoteRejectsProvisionalCollision(t *testing.T) {
	s := newTestStore()
	e, err := s.Append(chat.Draft{SenderID: "alice", Text: text("x")}, nil)
	require.NoError(t, err)

	_, err = s.MergeRemote(remote(e.ID, "mallory", 0))
	assert.ErrorIs(t, err, ErrIDCollision)
	got, _ := s.Timeline().Get(e.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStore_ApplyReceiptIsIdempotent(t *testing.T) {
	s := newTestStore()
	_, err := s.MergeRemote(remote("m1", "bob", 0, "bob"))
	require.NoError(t, err)

	e, changed, err := s.ApplyReceipt("m1", "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"alice", "bob"}, e.ReadBy)

	e, changed, err = s.ApplyReceipt("m1", "alice")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"alice", "bob"}, e.ReadBy)

	_, _, err = s.ApplyReceipt("missing", "alice")
	assert.ErrorIs(t, err, chat.ErrMessageUnknown)
}

func TestStore_RemoteReceiptHeldUntilMessage(t *testing.T) {
	tests := []struct {
		name    string
		deliver func(t *testing.T, s *Store)
	}{
		{"merge", func(t *testing.T, s *Store) {
			_, err := s.MergeRemote(remote("m1", "bob", 0, "bob"))
			require.NoError(t, err)
		}},
		{"replace optimistic", func(t *testing.T, s *Store) {
			local, err := s.Append(chat.Draft{SenderID: "bob", Text: text("hi")}, nil)
			require.NoError(t, err)
			_, err = s.ReplaceOptimistic(local.LocalID, remote("m1", "bob", time.Minute, "bob"))
			require.NoError(t, err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			_, changed, err := s.ApplyRemoteReceipt("m1", "carol")
			require.NoError(t, err)
			assert.False(t, changed)
			assert.Equal(t, 1, s.HeldReceipts())

			tt.deliver(t, s)

			e, ok := s.Timeline().Get("m1")
			require.True(t, ok)
			assert.Equal(t, []string{"bob", "carol"}, e.ReadBy)
			assert.Zero(t, s.HeldReceipts())
		})
	}
}

func TestStore_HeldReceiptsAreBounded(t *testing.T) {
	s := newTestStore()
	for i := 0; i < MaxHeldReceipts+10; i++ {
		_, _, err := s.ApplyRemoteReceipt(fmt.Sprintf("gone%d", i), "carol")
		require.NoError(t, err)
	}
	assert.Equal(t, MaxHeldReceipts, s.HeldReceipts())

	// The oldest ids were evicted first.
	_, err := s.MergeRemote(remote("gone0", "bob", 0, "bob"))
	require.NoError(t, err)
	e, _ := s.Timeline().Get("gone0")
	assert.Equal(t, []string{"bob"}, e.ReadBy)
}

func TestStore_ReceiptOrderDoesNotMatter(t *testing.T) {
	apply := func(order []string) []string {
		s := newTestStore()
		_, err := s.MergeRemote(remote("m1", "bob", 0, "bob"))
		require.NoError(t, err)
		for _, viewer := range order {
			_, _, err := s.ApplyReceipt("m1", viewer)
			require.NoError(t, err)
		}
		e, _ := s.Timeline().Get("m1")
		return e.ReadBy
	}

	assert.Equal(t, apply([]string{"alice", "carol", "alice"}), apply([]string{"carol", "alice"}))
}

func TestStore_SnapshotIsDetached(t *testing.T) {
	s := newTestStore()
	_, err := s.MergeRemote(remote("m1", "bob", 0, "bob"))
	require.NoError(t, err)

	snap := s.Snapshot()
	snap[0].ReadBy[0] = "mutated"
	*snap[0].Body = "mutated"

	again := s.Snapshot()
	assert.Equal(t, "bob", again[0].ReadBy[0])
	assert.Equal(t, "msg m1", *again[0].Body)
}

// Random interleavings of every mutation must keep the snapshot sorted,
// free of duplicate ids, and never shrink a read set.
func TestStore_RandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := newTestStore()
	readers := map[string][]string{}
	var pending []string

	for step := 0; step < 500; step++ {
		switch rng.Intn(5) {
		case 0:
			e, err := s.Append(chat.Draft{SenderID: "me", Text: text("x")}, nil)
			require.NoError(t, err)
			pending = append(pending, e.LocalID)
		case 1:
			id := fmt.Sprintf("srv%d", rng.Intn(40))
			msg := remote(id, "peer", time.Duration(rng.Intn(3600))*time.Second, "peer")
			_, _ = s.MergeRemote(msg)
		case 2:
			if len(pending) == 0 {
				continue
			}
			i := rng.Intn(len(pending))
			id := fmt.Sprintf("srv%d", rng.Intn(40))
			_, _ = s.ReplaceOptimistic(pending[i], remote(id, "me", time.Duration(rng.Intn(3600))*time.Second, "me"))
			pending = append(pending[:i], pending[i+1:]...)
		case 3:
			if len(pending) > 0 {
				_ = s.MarkFailed(pending[rng.Intn(len(pending))])
			}
		case 4:
			snap := s.Snapshot()
			if len(snap) > 0 {
				e := snap[rng.Intn(len(snap))]
				_, _, _ = s.ApplyReceipt(e.ID, fmt.Sprintf("u%d", rng.Intn(5)))
			}
		}

		snap := s.Snapshot()
		requireOrdered(t, snap)
		for _, e := range snap {
			prev := readers[e.ID]
			for _, r := range prev {
				require.True(t, e.HasReader(r), "reader %s dropped from %s", r, e.ID)
			}
			require.True(t, sort.StringsAreSorted(e.ReadBy))
			readers[e.ID] = e.ReadBy
		}
	}
}
