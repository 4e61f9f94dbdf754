// ABOUTME: Tests for the conversation directory service
// ABOUTME: Verifies pair symmetry, idempotence, create-race resolution, and validation

package directory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/dm-gateway/internal/feed"
	"github.com/campuslink/dm-gateway/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createUser(t *testing.T, s *store.SQLiteStore, username string) *store.User {
	t.Helper()
	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  username,
		PasswordHash: "x",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(context.Background(), user))
	return user
}

func TestGetOrCreate_SymmetricAndIdempotent(t *testing.T) {
	testStore := newTestStore(t)
	svc := New(testStore, nil, nil)
	ctx := context.Background()

	alice := createUser(t, testStore, "alice")
	bob := createUser(t, testStore, "bob")

	// Both orders, called twice each, must return the same conversation
	c1, err := svc.GetOrCreate(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	c2, err := svc.GetOrCreate(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	c3, err := svc.GetOrCreate(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	c4, err := svc.GetOrCreate(ctx, bob.ID, alice.ID)
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, c1.ID, c3.ID)
	assert.Equal(t, c1.ID, c4.ID)
	assert.True(t, c1.HasParticipant(alice.ID))
	assert.True(t, c1.HasParticipant(bob.ID))
}

func TestGetOrCreate_RejectsInvalidParticipants(t *testing.T) {
	testStore := newTestStore(t)
	svc := New(testStore, nil, nil)
	ctx := context.Background()

	alice := createUser(t, testStore, "alice")

	_, err := svc.GetOrCreate(ctx, alice.ID, alice.ID)
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = svc.GetOrCreate(ctx, alice.ID, "")
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = svc.GetOrCreate(ctx, alice.ID, "no-such-user")
	assert.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestGetOrCreate_ConcurrentCallersYieldOneConversation(t *testing.T) {
	testStore := newTestStore(t)
	svc := New(testStore, nil, nil)
	ctx := context.Background()

	alice := createUser(t, testStore, "alice")
	bob := createUser(t, testStore, "bob")

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			a, b := alice.ID, bob.ID
			if n%2 == 1 {
				a, b = b, a
			}
			conv, err := svc.GetOrCreate(ctx, a, b)
			if assert.NoError(t, err) {
				ids[n] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}

	convs, err := testStore.ListConversationsForUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, convs, 1, "exactly one persisted conversation for the pair")
}

func TestGetOrCreate_PublishesConversationCreatedOnce(t *testing.T) {
	testStore := newTestStore(t)
	broadcaster := feed.NewBroadcaster(nil)
	defer broadcaster.Close()
	svc := New(testStore, broadcaster, nil)
	ctx := context.Background()

	alice := createUser(t, testStore, "alice")
	bob := createUser(t, testStore, "bob")

	aliceCh, _ := broadcaster.Subscribe(context.Background(), feed.UserTopic(alice.ID))
	bobCh, _ := broadcaster.Subscribe(context.Background(), feed.UserTopic(bob.ID))

	conv, err := svc.GetOrCreate(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	for name, ch := range map[string]<-chan *feed.Event{"alice": aliceCh, "bob": bobCh} {
		select {
		case ev := <-ch:
			assert.Equal(t, feed.KindConversationCreated, ev.Kind)
			assert.Equal(t, conv.ID, ev.Conversation.ID)
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive the conversation event", name)
		}
	}

	// A repeat call finds the existing row and must not publish again
	_, err = svc.GetOrCreate(ctx, bob.ID, alice.ID)
	require.NoError(t, err)

	select {
	case ev := <-aliceCh:
		t.Fatalf("unexpected second event: %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListForUser_NewestFirstSnapshot(t *testing.T) {
	testStore := newTestStore(t)
	svc := New(testStore, nil, nil)
	ctx := context.Background()

	alice := createUser(t, testStore, "alice")
	bob := createUser(t, testStore, "bob")
	carol := createUser(t, testStore, "carol")

	first, err := svc.GetOrCreate(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	second, err := svc.GetOrCreate(ctx, alice.ID, carol.ID)
	require.NoError(t, err)

	convs, err := svc.ListForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, second.ID, convs[0].ID)
	assert.Equal(t, first.ID, convs[1].ID)

	convs, err = svc.ListForUser(ctx, carol.ID)
	require.NoError(t, err)
	require.Len(t, convs, 1)
}
