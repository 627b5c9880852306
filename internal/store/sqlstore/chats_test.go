package sqlstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatcore/internal/chaterr"
)

func TestCreatePrivateChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")

	chat, err := s.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)
	assert.False(t, chat.IsGroup)
	assert.Len(t, chat.Participants, 2)
	// Private chats resolve their name to the counterpart.
	assert.Equal(t, "bob", chat.Name)
}

func TestCreatePrivateChatDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")

	first, err := s.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)

	// Same pair, either direction, must return the existing chat.
	second, err := s.CreateChat(ctx, 2, []int64{1}, "", false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	chats, err := s.GetUserChats(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestCreatePrivateChatConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")

	const callers = 8
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creator, other := int64(1), int64(2)
			if i%2 == 1 {
				creator, other = other, creator
			}
			chat, err := s.CreateChat(ctx, creator, []int64{other}, "", false)
			if err != nil {
				t.Errorf("CreateChat: %v", err)
				return
			}
			ids[i] = chat.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "all concurrent creators must converge on one chat")
	}
	chats, err := s.GetUserChats(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, chats, 1)
}

func TestCreateChatValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")
	seedUser(t, s, 3, "carol")

	// Private chat with only the creator
	_, err := s.CreateChat(ctx, 1, nil, "", false)
	assert.Equal(t, chaterr.KindValidation, chaterr.KindOf(err))

	// Private chat with three participants
	_, err = s.CreateChat(ctx, 1, []int64{2, 3}, "", false)
	assert.Equal(t, chaterr.KindValidation, chaterr.KindOf(err))

	// Unknown participant
	_, err = s.CreateChat(ctx, 1, []int64{99}, "", false)
	assert.Equal(t, chaterr.KindNotFound, chaterr.KindOf(err))
}

func TestCreateGroupChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")
	seedUser(t, s, 3, "carol")

	chat, err := s.CreateChat(ctx, 1, []int64{2, 3}, "Project X", true)
	require.NoError(t, err)
	assert.True(t, chat.IsGroup)
	assert.Equal(t, "Project X", chat.Name)
	assert.Len(t, chat.Participants, 3)

	// Two groups over the same participants are distinct chats.
	other, err := s.CreateChat(ctx, 1, []int64{2, 3}, "Project Y", true)
	require.NoError(t, err)
	assert.NotEqual(t, chat.ID, other.ID)
}

func TestAddParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")
	seedUser(t, s, 3, "carol")

	group, err := s.CreateChat(ctx, 1, []int64{2}, "Team", true)
	require.NoError(t, err)

	notice, err := s.AddParticipant(ctx, group.ID, 3)
	require.NoError(t, err)
	assert.True(t, notice.IsSystem())
	assert.Equal(t, "carol joined", notice.Content)

	isMember, err := s.IsParticipant(ctx, group.ID, 3)
	require.NoError(t, err)
	assert.True(t, isMember)

	chat, err := s.GetChat(ctx, group.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, chat.LastMessageAt, "join notice must bump last_message_at")

	// Duplicate add
	_, err = s.AddParticipant(ctx, group.ID, 3)
	assert.Equal(t, chaterr.KindConflict, chaterr.KindOf(err))

	// Unknown chat / unknown user
	_, err = s.AddParticipant(ctx, 999, 3)
	assert.Equal(t, chaterr.KindNotFound, chaterr.KindOf(err))
	_, err = s.AddParticipant(ctx, group.ID, 999)
	assert.Equal(t, chaterr.KindNotFound, chaterr.KindOf(err))
}

func TestAddParticipantToPrivateChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")
	seedUser(t, s, 3, "carol")

	private, err := s.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)

	_, err = s.AddParticipant(ctx, private.ID, 3)
	assert.Equal(t, chaterr.KindInvalidOperation, chaterr.KindOf(err))
}

func TestRemoveParticipant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")
	seedUser(t, s, 3, "carol")

	group, err := s.CreateChat(ctx, 1, []int64{2, 3}, "Team", true)
	require.NoError(t, err)

	notice, err := s.RemoveParticipant(ctx, group.ID, 3)
	require.NoError(t, err)
	require.NotNil(t, notice)
	assert.Equal(t, "carol left", notice.Content)

	isMember, err := s.IsParticipant(ctx, group.ID, 3)
	require.NoError(t, err)
	assert.False(t, isMember)

	// Leaving a private chat is rejected.
	private, err := s.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)
	_, err = s.RemoveParticipant(ctx, private.ID, 1)
	assert.Equal(t, chaterr.KindInvalidOperation, chaterr.KindOf(err))
}

func TestRemoveLastParticipantDeletesChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")

	group, err := s.CreateChat(ctx, 1, []int64{2}, "Team", true)
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, group.ID, 1, "hello")
	require.NoError(t, err)

	notice, err := s.RemoveParticipant(ctx, group.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, notice)

	// Last one out turns off the lights.
	last, err := s.RemoveParticipant(ctx, group.ID, 2)
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = s.GetChat(ctx, group.ID, 2)
	assert.Equal(t, chaterr.KindNotFound, chaterr.KindOf(err))

	_, err = s.GetChatMessages(ctx, group.ID, 2, 1, 50)
	assert.Equal(t, chaterr.KindNotFound, chaterr.KindOf(err))
}

func TestGetChatForbiddenForOutsiders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")
	seedUser(t, s, 3, "carol")

	chat, err := s.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)

	_, err = s.GetChat(ctx, chat.ID, 3)
	assert.Equal(t, chaterr.KindForbidden, chaterr.KindOf(err))
}

func TestGetUserChatsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, 1, "alice")
	seedUser(t, s, 2, "bob")
	seedUser(t, s, 3, "carol")

	first, err := s.CreateChat(ctx, 1, []int64{2}, "", false)
	require.NoError(t, err)
	second, err := s.CreateChat(ctx, 1, []int64{3}, "", false)
	require.NoError(t, err)

	// Activity in the older chat moves it to the front.
	_, err = s.SaveMessage(ctx, first.ID, 2, "ping")
	require.NoError(t, err)

	chats, err := s.GetUserChats(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, first.ID, chats[0].ID)
	assert.Equal(t, second.ID, chats[1].ID)
	assert.Equal(t, 1, chats[0].UnreadCount)
	require.NotNil(t, chats[0].LastMessage)
	assert.Equal(t, "ping", chats[0].LastMessage.Content)
}
