// ABOUTME: Tests for the conversation list controller
// ABOUTME: Covers snapshot ordering, live prepends, buffering, and dedupe

package roster

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/dm-gateway/internal/directory"
	"github.com/campuslink/dm-gateway/internal/feed"
	"github.com/campuslink/dm-gateway/internal/store"
)

type fixture struct {
	store       *store.SQLiteStore
	broadcaster *feed.Broadcaster
	directory   *directory.Service
	users       map[string]*store.User
}

func newFixture(t *testing.T, usernames ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	broadcaster := feed.NewBroadcaster(nil)
	t.Cleanup(broadcaster.Close)

	f := &fixture{
		store:       s,
		broadcaster: broadcaster,
		directory:   directory.New(s, broadcaster, nil),
		users:       make(map[string]*store.User),
	}
	for _, name := range usernames {
		user := &store.User{
			ID:           uuid.New().String(),
			Username:     name,
			DisplayName:  name + " display",
			PasswordHash: "x",
			CreatedAt:    time.Now(),
		}
		require.NoError(t, s.CreateUser(ctx, user))
		f.users[name] = user
	}
	return f
}

func waitForEntries(t *testing.T, c *Controller, n int) []*Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries := c.Entries()
		if len(entries) >= n {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d entries, have %d", n, len(c.Entries()))
	return nil
}

func TestOpen_SnapshotNewestFirstWithPeerNames(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	alice := f.users["alice"]

	_, err := f.directory.GetOrCreate(ctx, alice.ID, f.users["bob"].ID)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = f.directory.GetOrCreate(ctx, alice.ID, f.users["carol"].ID)
	require.NoError(t, err)

	c := New(f.directory, f.store, f.broadcaster, alice.ID, nil)
	require.NoError(t, c.Open(ctx))
	defer c.Close()

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, f.users["carol"].ID, entries[0].PeerID)
	assert.Equal(t, "carol display", entries[0].PeerName)
	assert.Equal(t, f.users["bob"].ID, entries[1].PeerID)
	assert.Equal(t, "bob display", entries[1].PeerName)
}

func TestOpen_Twice(t *testing.T) {
	f := newFixture(t, "alice")
	c := New(f.directory, f.store, f.broadcaster, f.users["alice"].ID, nil)
	require.NoError(t, c.Open(context.Background()))
	defer c.Close()

	assert.ErrorIs(t, c.Open(context.Background()), ErrAlreadyOpened)
}

func TestLiveConversationIsPrepended(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	ctx := context.Background()
	alice := f.users["alice"]

	_, err := f.directory.GetOrCreate(ctx, alice.ID, f.users["bob"].ID)
	require.NoError(t, err)

	c := New(f.directory, f.store, f.broadcaster, alice.ID, nil)
	require.NoError(t, c.Open(ctx))
	defer c.Close()
	require.Len(t, c.Entries(), 1)

	// Carol starts a chat with Alice; Alice's inbox gains a row on top
	conv, err := f.directory.GetOrCreate(ctx, f.users["carol"].ID, alice.ID)
	require.NoError(t, err)

	entries := waitForEntries(t, c, 2)
	assert.Equal(t, conv.ID, entries[0].Conversation.ID)
	assert.Equal(t, f.users["carol"].ID, entries[0].PeerID)
	assert.Equal(t, f.users["bob"].ID, entries[1].PeerID)
}

func TestRedeliveredEventIsDropped(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	alice := f.users["alice"]

	c := New(f.directory, f.store, f.broadcaster, alice.ID, nil)
	require.NoError(t, c.Open(ctx))
	defer c.Close()

	conv, err := f.directory.GetOrCreate(ctx, alice.ID, f.users["bob"].ID)
	require.NoError(t, err)
	waitForEntries(t, c, 1)

	// Redeliver the same announcement
	f.broadcaster.Publish(feed.UserTopic(alice.ID), &feed.Event{
		Kind:         feed.KindConversationCreated,
		Conversation: conv,
	})

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.Entries(), 1)
}

// gatedDirectory blocks ListForUser until the gate is released.
type gatedDirectory struct {
	Directory
	gate chan struct{}
}

func (g *gatedDirectory) ListForUser(ctx context.Context, userID string) ([]*store.Conversation, error) {
	<-g.gate
	return g.Directory.ListForUser(ctx, userID)
}

func TestOpen_ConversationCreatedDuringLoadIsMergedOnce(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	alice := f.users["alice"]

	gated := &gatedDirectory{Directory: f.directory, gate: make(chan struct{})}
	c := New(gated, f.store, f.broadcaster, alice.ID, nil)

	opened := make(chan error, 1)
	go func() { opened <- c.Open(ctx) }()
	defer c.Close()

	topic := feed.UserTopic(alice.ID)
	require.Eventually(t, func() bool {
		return f.broadcaster.SubscriberCount(topic) == 1
	}, time.Second, 5*time.Millisecond)

	// The conversation lands while the snapshot is still loading, so it
	// arrives both as a buffered event and as a snapshot row.
	conv, err := f.directory.GetOrCreate(ctx, f.users["bob"].ID, alice.ID)
	require.NoError(t, err)

	close(gated.gate)
	require.NoError(t, <-opened)

	entries := waitForEntries(t, c, 1)
	time.Sleep(50 * time.Millisecond)
	entries = c.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, conv.ID, entries[0].Conversation.ID)
}

func TestClose_StaleEventProducesNoChange(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	alice := f.users["alice"]

	c := New(f.directory, f.store, f.broadcaster, alice.ID, nil)
	require.NoError(t, c.Open(ctx))
	c.Close()

	conv, err := f.directory.GetOrCreate(ctx, alice.ID, f.users["bob"].ID)
	require.NoError(t, err)
	c.handleEvent(&feed.Event{Kind: feed.KindConversationCreated, Conversation: conv})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.Entries())

	// Close is idempotent
	c.Close()
}

func TestUpdates_SignalsOnNewConversation(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	alice := f.users["alice"]

	c := New(f.directory, f.store, f.broadcaster, alice.ID, nil)
	require.NoError(t, c.Open(ctx))
	defer c.Close()

	select {
	case <-c.Updates():
	default:
	}

	_, err := f.directory.GetOrCreate(ctx, f.users["bob"].ID, alice.ID)
	require.NoError(t, err)

	select {
	case <-c.Updates():
	case <-time.After(time.Second):
		t.Fatal("no update signal after conversation created")
	}
}

func TestClose_DoneSignalsPumpExit(t *testing.T) {
	f := newFixture(t, "alice")
	alice := f.users["alice"]

	c := New(f.directory, f.store, f.broadcaster, alice.ID, nil)
	require.NoError(t, c.Open(context.Background()))

	c.Close()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
	assert.Equal(t, 0, f.broadcaster.SubscriberCount(feed.UserTopic(alice.ID)))
}

func TestClose_BeforeOpenSignalsDone(t *testing.T) {
	f := newFixture(t, "alice")

	c := New(f.directory, f.store, f.broadcaster, f.users["alice"].ID, nil)
	c.Close()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed when closed before Open")
	}
}
