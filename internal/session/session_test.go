package session

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pliu/chatcore/internal/auth"
	"github.com/pliu/chatcore/internal/handlers"
	"github.com/pliu/chatcore/internal/models"
	"github.com/pliu/chatcore/internal/store/sqlstore"
	"github.com/pliu/chatcore/internal/ws"
)

type backend struct {
	store    *sqlstore.SQLStore
	verifier *auth.Verifier
	srv      *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	verifier := auth.NewVerifier("test-secret")
	hub := ws.NewHub(st, zap.NewNop().Sugar())
	go hub.Run()

	srv := httptest.NewServer(handlers.NewRouter(st, hub, verifier, zap.NewNop().Sugar()))
	t.Cleanup(srv.Close)

	return &backend{store: st, verifier: verifier, srv: srv}
}

func (b *backend) seedUser(t *testing.T, id int64, name string) {
	t.Helper()
	require.NoError(t, b.store.UpsertUser(context.Background(), &models.User{ID: id, Name: name}))
}

func (b *backend) manager(t *testing.T, id int64, name string) *Manager {
	t.Helper()
	token, err := b.verifier.Sign(auth.Identity{ID: id, Name: name}, time.Hour)
	require.NoError(t, err)

	m := New(Options{
		BaseURL:    b.srv.URL,
		Token:      token,
		UserID:     id,
		UserName:   name,
		AckTimeout: 2 * time.Second,
	})
	t.Cleanup(m.Close)
	return m
}

func TestSendOverChannelConfirms(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	b.seedUser(t, 1, "alice")
	b.seedUser(t, 2, "bob")
	chat, err := b.store.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)

	m := b.manager(t, 1, "alice")
	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.SetActiveChat(ctx, chat.ID))

	local, err := m.Send(ctx, chat.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, local.State)
	assert.NotZero(t, local.Message.ID)
	assert.Equal(t, "hello", local.Message.Content)

	// The echoed broadcast must not produce a second entry.
	require.Never(t, func() bool {
		return len(m.Messages(chat.ID)) != 1
	}, 300*time.Millisecond, 50*time.Millisecond)

	view := m.Messages(chat.ID)
	require.Len(t, view, 1)
	assert.Equal(t, StateConfirmed, view[0].State)
	assert.Equal(t, local.Message.ID, view[0].Message.ID)
}

func TestSendFallsBackWithoutChannel(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	b.seedUser(t, 1, "alice")
	b.seedUser(t, 2, "bob")
	chat, err := b.store.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)

	// No Connect: the live channel is down, the fallback path must still
	// return a canonical message with a real id.
	m := b.manager(t, 1, "alice")

	local, err := m.Send(ctx, chat.ID, "offline hello")
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, local.State)
	assert.NotZero(t, local.Message.ID)

	msgs, err := b.store.GetChatMessages(ctx, chat.ID, 1, 1, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "offline hello", msgs[0].Content)
}

func TestSendFailureFlagsEntryAndNotifies(t *testing.T) {
	m := New(Options{
		BaseURL:     "http://127.0.0.1:1", // nothing listens here
		Token:       "irrelevant",
		UserID:      1,
		UserName:    "alice",
		HTTPTimeout: 500 * time.Millisecond,
	})
	defer m.Close()

	local, err := m.Send(context.Background(), 7, "doomed")
	require.Error(t, err)
	assert.Equal(t, StateFailed, local.State)

	// The failure is surfaced, never silently dropped.
	select {
	case n := <-m.Notices():
		assert.Equal(t, int64(7), n.ChatID)
		assert.Equal(t, local.TempID, n.TempID)
		require.Error(t, n.Err)
	case <-time.After(time.Second):
		t.Fatal("expected a failure notice")
	}

	view := m.Messages(7)
	require.Len(t, view, 1)
	assert.Equal(t, StateFailed, view[0].State)
}

func TestIncomingMessagesReachSubscribers(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	b.seedUser(t, 1, "alice")
	b.seedUser(t, 2, "bob")
	chat, err := b.store.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)

	alice := b.manager(t, 1, "alice")
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, alice.SetActiveChat(ctx, chat.ID))
	sub := alice.Subscribe(chat.ID)
	defer sub.Close()

	bob := b.manager(t, 2, "bob")
	require.NoError(t, bob.Connect(ctx))
	require.NoError(t, bob.SetActiveChat(ctx, chat.ID))

	_, err = bob.Send(ctx, chat.ID, "hi alice")
	require.NoError(t, err)

	var got ws.Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-sub.C:
			if ev.Type == ws.EventNewMessage {
				got = ev
				return true
			}
		default:
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi alice", got.Message.Content)

	view := alice.Messages(chat.ID)
	require.Len(t, view, 1)
	assert.Equal(t, StateConfirmed, view[0].State)
	assert.Equal(t, int64(2), view[0].Message.SenderID)
}

func TestReadReceiptUpdatesOwnMessages(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	b.seedUser(t, 1, "alice")
	b.seedUser(t, 2, "bob")
	chat, err := b.store.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)

	alice := b.manager(t, 1, "alice")
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, alice.SetActiveChat(ctx, chat.ID))

	local, err := alice.Send(ctx, chat.ID, "seen yet?")
	require.NoError(t, err)
	assert.False(t, local.Message.Read)

	bob := b.manager(t, 2, "bob")
	require.NoError(t, bob.Connect(ctx))
	require.NoError(t, bob.SetActiveChat(ctx, chat.ID))
	require.NoError(t, bob.MarkRead(ctx, chat.ID))

	require.Eventually(t, func() bool {
		view := alice.Messages(chat.ID)
		return len(view) == 1 && view[0].Message.Read
	}, 3*time.Second, 20*time.Millisecond)
}

func TestLoadHistoryChronological(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	b.seedUser(t, 1, "alice")
	b.seedUser(t, 2, "bob")
	chat, err := b.store.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)

	_, err = b.store.SaveMessage(ctx, chat.ID, 1, "first")
	require.NoError(t, err)
	_, err = b.store.SaveMessage(ctx, chat.ID, 2, "second")
	require.NoError(t, err)
	_, err = b.store.SaveMessage(ctx, chat.ID, 1, "third")
	require.NoError(t, err)

	m := b.manager(t, 1, "alice")
	view, err := m.LoadHistory(ctx, chat.ID, 1, 50)
	require.NoError(t, err)
	require.Len(t, view, 3)
	// Server pages are newest-first; the view model is oldest-first.
	assert.Equal(t, "first", view[0].Message.Content)
	assert.Equal(t, "second", view[1].Message.Content)
	assert.Equal(t, "third", view[2].Message.Content)
}
