package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/chat-sync-engine/domain/chat"
	"github.com/example/chat-sync-engine/modules/bus"
	"github.com/example/chat-sync-engine/modules/timeline"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements types.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(msg string, args ...any)          {}
func (m *mockLogger) Info(msg string, args ...any)           {}
func (m *mockLogger) Warn(msg string, args ...any)           {}
func (m *mockLogger) Error(msg string, args ...any)          {}
func (m *mockLogger) With(args ...any) types.Logger          { return m }
func (m *mockLogger) WithError(err error) types.Logger       { return m }
func (m *mockLogger) WithModule(module string) types.Logger { return m }

type fakeAcker struct {
	mu    sync.Mutex
	calls []chat.ReadReceipt
	err   error
}

func (f *fakeAcker) MarkRead(_ context.Context, conversationID, messageID, viewerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chat.ReadReceipt{ConversationID: conversationID, MessageID: messageID, ViewerID: viewerID})
	return f.err
}

func (f *fakeAcker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *recorder) handle(_ context.Context, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func (r *recorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.payloads...)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *timeline.Store {
	t.Helper()
	store := timeline.NewStore("c1")
	for i, id := range []string{"m1", "m2"} {
		body := "hi"
		_, err := store.MergeRemote(chat.Message{
			ID:        id,
			SenderID:  "bob",
			Body:      &body,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			ReadBy:    []string{"bob"},
		})
		require.NoError(t, err)
	}
	return store
}

func setup(t *testing.T, acker Acker) (*Propagator, *recorder, *recorder) {
	t.Helper()
	ctx := context.Background()
	b := bus.NewMemory()
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Disconnect(ctx) })

	conv, user := &recorder{}, &recorder{}
	_, err := b.Subscribe(bus.ConversationTopic("c1"), conv.handle)
	require.NoError(t, err)
	_, err = b.Subscribe(bus.UserTopic("alice"), user.handle)
	require.NoError(t, err)

	return NewPropagator(b, acker, &mockLogger{}), conv, user
}

func TestMarkRead_AllSideEffects(t *testing.T) {
	acker := &fakeAcker{}
	p, conv, user := setup(t, acker)
	store := seededStore(t)

	res, err := p.MarkRead(context.Background(), store, "m2", "alice")
	require.NoError(t, err)
	p.Wait()

	assert.True(t, res.Changed)
	assert.Equal(t, []string{"alice", "bob"}, res.Entry.ReadBy)
	assert.Equal(t, 1, res.Summary.UnreadCount, "m1 is still unread")
	require.NotNil(t, res.Summary.LatestMessage)
	assert.Equal(t, "m2", res.Summary.LatestMessage.ID)

	assert.Eventually(t, func() bool {
		return len(conv.snapshot()) == 1 && len(user.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	ev, err := bus.Decode(conv.snapshot()[0])
	require.NoError(t, err)
	require.NotNil(t, ev.Receipt)
	assert.Equal(t, chat.ReadReceipt{ConversationID: "c1", MessageID: "m2", ViewerID: "alice"}, *ev.Receipt)

	var summary chat.ConversationSummary
	require.NoError(t, json.Unmarshal(user.snapshot()[0], &summary))
	assert.Equal(t, "c1", summary.ConversationID)
	assert.Equal(t, 1, summary.UnreadCount)

	assert.Equal(t, 1, acker.count())
}

func TestMarkRead_Idempotent(t *testing.T) {
	acker := &fakeAcker{}
	p, _, _ := setup(t, acker)
	store := seededStore(t)

	_, err := p.MarkRead(context.Background(), store, "m1", "alice")
	require.NoError(t, err)
	first, _ := store.Timeline().Get("m1")

	res, err := p.MarkRead(context.Background(), store, "m1", "alice")
	require.NoError(t, err)
	p.Wait()

	second, _ := store.Timeline().Get("m1")
	assert.False(t, res.Changed)
	assert.Equal(t, first.ReadBy, second.ReadBy)
	assert.Equal(t, 2, acker.count(), "every call re-acknowledges")
}

func TestMarkRead_AckFailureIsNotReturned(t *testing.T) {
	acker := &fakeAcker{err: errors.New("boom")}
	p, _, _ := setup(t, acker)
	store := seededStore(t)

	_, err := p.MarkRead(context.Background(), store, "m1", "alice")
	require.NoError(t, err)
	p.Wait()
	assert.Equal(t, 1, acker.count())

	e, _ := store.Timeline().Get("m1")
	assert.True(t, e.HasReader("alice"))
}

func TestMarkRead_UnknownMessage(t *testing.T) {
	acker := &fakeAcker{}
	p, conv, _ := setup(t, acker)
	store := seededStore(t)
	before := store.Timeline()

	_, err := p.MarkRead(context.Background(), store, "nope", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrMessageUnknown)
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))
	assert.Same(t, before, store.Timeline())

	p.Wait()
	assert.Zero(t, acker.count())
	assert.Empty(t, conv.snapshot())
}

func TestMarkRead_OptimisticEntryStaysLocal(t *testing.T) {
	acker := &fakeAcker{}
	p, _, _ := setup(t, acker)
	store := seededStore(t)

	entry, err := store.Append(chat.Draft{SenderID: "alice", Text: chat.TextPtr("pending")}, nil)
	require.NoError(t, err)

	_, err = p.MarkRead(context.Background(), store, entry.LocalID, "bob")
	require.NoError(t, err)
	p.Wait()
	assert.Zero(t, acker.count())
}

func TestFold_ArrivalOrderIndependent(t *testing.T) {
	p, _, _ := setup(t, nil)

	orders := [][]chat.ReadReceipt{
		{{MessageID: "m1", ViewerID: "alice"}, {MessageID: "m1", ViewerID: "carol"}},
		{{MessageID: "m1", ViewerID: "carol"}, {MessageID: "m1", ViewerID: "alice"}, {MessageID: "m1", ViewerID: "alice"}},
	}

	var results [][]string
	for _, order := range orders {
		store := seededStore(t)
		for _, r := range order {
			_, _, err := p.Fold(store, r)
			require.NoError(t, err)
		}
		e, _ := store.Timeline().Get("m1")
		results = append(results, e.ReadBy)
	}
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, []string{"alice", "bob", "carol"}, results[0])
}

func TestFold_Rejects(t *testing.T) {
	p, _, _ := setup(t, nil)
	store := seededStore(t)

	_, _, err := p.Fold(store, chat.ReadReceipt{ConversationID: "other", MessageID: "m1", ViewerID: "x"})
	assert.ErrorIs(t, err, timeline.ErrWrongThread)

	_, _, err = p.Fold(store, chat.ReadReceipt{MessageID: "m1"})
	assert.ErrorIs(t, err, chat.ErrMessageInvalid)

}

func TestFold_ReceiptBeforeMessage(t *testing.T) {
	p, _, _ := setup(t, nil)
	msg := chat.Message{
		ID:             "m9",
		ConversationID: "c1",
		SenderID:       "alice",
		MessageType:    chat.MessageTypeChat,
		Timestamp:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		ReadBy:         []string{"alice"},
	}

	receiptFirst := timeline.NewStore("c1")
	_, changed, err := p.Fold(receiptFirst, chat.ReadReceipt{ConversationID: "c1", MessageID: "m9", ViewerID: "bob"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, receiptFirst.HeldReceipts())
	_, err = receiptFirst.MergeRemote(msg)
	require.NoError(t, err)
	assert.Zero(t, receiptFirst.HeldReceipts())

	messageFirst := timeline.NewStore("c1")
	_, err = messageFirst.MergeRemote(msg)
	require.NoError(t, err)
	_, _, err = p.Fold(messageFirst, chat.ReadReceipt{ConversationID: "c1", MessageID: "m9", ViewerID: "bob"})
	require.NoError(t, err)

	a, _ := receiptFirst.Timeline().Get("m9")
	b, _ := messageFirst.Timeline().Get("m9")
	assert.Equal(t, []string{"alice", "bob"}, a.ReadBy)
	assert.Equal(t, b.ReadBy, a.ReadBy)
}
