// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers user/conversation/message CRUD, pair uniqueness, and ordering

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createUser(t *testing.T, s *SQLiteStore, username string) *User {
	t.Helper()
	user := &User{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  username,
		PasswordHash: "x",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

func createConversation(t *testing.T, s *SQLiteStore, a, b *User) *Conversation {
	t.Helper()
	lo, hi := PairKey(a.ID, b.ID)
	conv := &Conversation{
		ID:            uuid.New().String(),
		ParticipantLo: lo,
		ParticipantHi: hi,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func TestConcurrentWrites_SerializeWithoutBusyErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	conv := createConversation(t, s, alice, bob)

	// Parallel writers must queue on the store, not surface SQLITE_BUSY.
	const writers = 8
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			errs <- s.SaveMessage(ctx, &Message{
				ID:             uuid.New().String(),
				ConversationID: conv.ID,
				SenderID:       alice.ID,
				Body:           "hi",
				CreatedAt:      time.Now(),
			})
		}()
	}
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, writers)
}

func TestPairKey_Canonicalizes(t *testing.T) {
	lo1, hi1 := PairKey("alice", "bob")
	lo2, hi2 := PairKey("bob", "alice")
	assert.Equal(t, lo1, lo2)
	assert.Equal(t, hi1, hi2)
	assert.Less(t, lo1, hi1)
}

func TestCreateUser_DuplicateUsername(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createUser(t, s, "alice")

	dup := &User{
		ID:           uuid.New().String(),
		Username:     "alice",
		DisplayName:  "Alice Again",
		PasswordHash: "x",
		CreatedAt:    time.Now(),
	}
	err := s.CreateUser(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetUserByUsername(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUserByUsername_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	alice := createUser(t, s, "alice")

	got, err := s.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)
	assert.Equal(t, "alice", got.DisplayName)
}

func TestCreateConversation_PairIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")

	createConversation(t, s, alice, bob)

	// Second create for the same pair, either direction, must fail
	lo, hi := PairKey(bob.ID, alice.ID)
	dup := &Conversation{
		ID:            uuid.New().String(),
		ParticipantLo: lo,
		ParticipantHi: hi,
		CreatedAt:     time.Now(),
	}
	err := s.CreateConversation(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateConversation)
}

func TestGetConversationByPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	conv := createConversation(t, s, alice, bob)

	lo, hi := PairKey(alice.ID, bob.ID)
	got, err := s.GetConversationByPair(ctx, lo, hi)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = s.GetConversationByPair(ctx, "nope-a", "nope-b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversationsForUser_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	carol := createUser(t, s, "carol")

	first := &Conversation{ID: uuid.New().String(), CreatedAt: time.Now().Add(-time.Hour)}
	first.ParticipantLo, first.ParticipantHi = PairKey(alice.ID, bob.ID)
	require.NoError(t, s.CreateConversation(ctx, first))

	second := &Conversation{ID: uuid.New().String(), CreatedAt: time.Now()}
	second.ParticipantLo, second.ParticipantHi = PairKey(alice.ID, carol.ID)
	require.NoError(t, s.CreateConversation(ctx, second))

	convs, err := s.ListConversationsForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, second.ID, convs[0].ID)
	assert.Equal(t, first.ID, convs[1].ID)

	// Bob only sees the conversation he is part of
	convs, err = s.ListConversationsForUser(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, first.ID, convs[0].ID)
}

func TestConversation_Counterparty(t *testing.T) {
	conv := &Conversation{ParticipantLo: "a", ParticipantHi: "b"}

	other, ok := conv.Counterparty("a")
	require.True(t, ok)
	assert.Equal(t, "b", other)

	other, ok = conv.Counterparty("b")
	require.True(t, ok)
	assert.Equal(t, "a", other)

	_, ok = conv.Counterparty("c")
	assert.False(t, ok)
}

func TestListMessages_AscendingOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	conv := createConversation(t, s, alice, bob)

	base := time.Now().Add(-time.Minute)
	for i, body := range []string{"one", "two", "three"} {
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderID:       alice.ID,
			Body:           body,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	messages, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "one", messages[0].Body)
	assert.Equal(t, "two", messages[1].Body)
	assert.Equal(t, "three", messages[2].Body)
}

func TestListMessages_LimitKeepsMostRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	conv := createConversation(t, s, alice, bob)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderID:       bob.ID,
			Body:           string(rune('a' + i)),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	messages, err := s.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	// The two most recent, still ascending
	assert.Equal(t, "d", messages[0].Body)
	assert.Equal(t, "e", messages[1].Body)
}

func TestListMessages_TieBrokenByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	conv := createConversation(t, s, alice, bob)

	ts := time.Now()
	for _, id := range []string{"bbb", "aaa", "ccc"} {
		msg := &Message{
			ID:             id,
			ConversationID: conv.ID,
			SenderID:       alice.ID,
			Body:           id,
			CreatedAt:      ts,
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	messages, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "aaa", messages[0].ID)
	assert.Equal(t, "bbb", messages[1].ID)
	assert.Equal(t, "ccc", messages[2].ID)
}

func TestSaveMessage_ClientKeyIsUniquePerConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	carol := createUser(t, s, "carol")
	convAB := createConversation(t, s, alice, bob)
	convAC := createConversation(t, s, alice, carol)

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: convAB.ID,
		SenderID:       alice.ID,
		Body:           "hi",
		ClientKey:      "send-1",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.SaveMessage(ctx, msg))

	// Same key in the same conversation is rejected
	dup := &Message{
		ID:             uuid.New().String(),
		ConversationID: convAB.ID,
		SenderID:       alice.ID,
		Body:           "hi again",
		ClientKey:      "send-1",
		CreatedAt:      time.Now(),
	}
	err := s.SaveMessage(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateClientKey)

	// Same key in a different conversation is fine
	other := &Message{
		ID:             uuid.New().String(),
		ConversationID: convAC.ID,
		SenderID:       alice.ID,
		Body:           "hi carol",
		ClientKey:      "send-1",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.SaveMessage(ctx, other))

	// And the original is retrievable by key
	got, err := s.GetMessageByClientKey(ctx, convAB.ID, "send-1")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hi", got.Body)
}

func TestSaveMessage_EmptyClientKeyNotDeduplicated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := createUser(t, s, "alice")
	bob := createUser(t, s, "bob")
	conv := createConversation(t, s, alice, bob)

	for i := 0; i < 2; i++ {
		msg := &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			SenderID:       alice.ID,
			Body:           "no key",
			CreatedAt:      time.Now(),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	messages, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}
