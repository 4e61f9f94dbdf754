// ABOUTME: Conversation list controller backing the inbox screen
// ABOUTME: Merges a directory snapshot with live conversation-created events

package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/campuslink/dm-gateway/internal/feed"
	"github.com/campuslink/dm-gateway/internal/store"
)

// ErrAlreadyOpened is returned when Open is called more than once.
var ErrAlreadyOpened = errors.New("roster already opened")

// Directory lists the conversations a user participates in.
type Directory interface {
	ListForUser(ctx context.Context, userID string) ([]*store.Conversation, error)
}

// UserLookup resolves user IDs to profiles for display names.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Entry is one inbox row: a conversation plus its resolved counterparty.
type Entry struct {
	Conversation *store.Conversation
	PeerID       string
	PeerName     string
}

// Controller maintains a newest-first list of the user's conversations.
// It subscribes to the user's feed topic before taking the directory
// snapshot, so a conversation created during the load is buffered and
// merged rather than lost. Duplicate identifiers are dropped, which
// covers both redelivery and the subscriber's own snapshot overlap.
type Controller struct {
	directory Directory
	users     UserLookup
	feed      *feed.Broadcaster
	selfID    string
	logger    *slog.Logger

	mu      sync.Mutex
	opened  bool
	closed  bool
	loading bool
	entries []*Entry
	seen    map[string]struct{}
	pending []*store.Conversation
	cancel  context.CancelFunc

	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// New builds a controller for the given user. Open must be called before
// the entry list is populated.
func New(directory Directory, users UserLookup, broadcaster *feed.Broadcaster, selfID string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		directory: directory,
		users:     users,
		feed:      broadcaster,
		selfID:    selfID,
		logger:    logger.With("component", "roster"),
		seen:      make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Open subscribes to the user's feed topic, loads the conversation
// snapshot, and merges any events that arrived during the load.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	c.opened = true
	c.loading = true
	feedCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	events, _ := c.feed.Subscribe(feedCtx, feed.UserTopic(c.selfID))
	go c.pump(events)

	convs, err := c.directory.ListForUser(ctx, c.selfID)
	if err != nil {
		c.Close()
		return fmt.Errorf("loading conversation list: %w", err)
	}

	entries := make([]*Entry, 0, len(convs))
	for _, conv := range convs {
		entry, err := c.resolve(ctx, conv)
		if err != nil {
			c.Close()
			return err
		}
		entries = append(entries, entry)
	}

	c.mu.Lock()
	for _, entry := range entries {
		c.appendLocked(entry)
	}
	pending := c.pending
	c.pending = nil
	c.loading = false
	c.mu.Unlock()

	// Conversations announced while the snapshot loaded; resolve outside
	// the lock, then prepend like any other live arrival.
	for _, conv := range pending {
		c.applyLive(ctx, conv)
	}

	c.logger.Debug("roster loaded", "user_id", c.selfID, "conversations", len(entries))
	c.signal()
	return nil
}

func (c *Controller) pump(events <-chan *feed.Event) {
	for ev := range events {
		c.handleEvent(ev)
	}
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) handleEvent(ev *feed.Event) {
	if ev.Kind != feed.KindConversationCreated || ev.Conversation == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.loading {
		c.pending = append(c.pending, ev.Conversation)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.applyLive(context.Background(), ev.Conversation)
}

// applyLive resolves a newly announced conversation and prepends it.
func (c *Controller) applyLive(ctx context.Context, conv *store.Conversation) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, dup := c.seen[conv.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	entry, err := c.resolve(ctx, conv)
	if err != nil {
		c.logger.Warn("dropping unresolvable conversation",
			"conversation_id", conv.ID,
			"error", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, dup := c.seen[conv.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[conv.ID] = struct{}{}
	c.entries = append([]*Entry{entry}, c.entries...)
	c.mu.Unlock()

	c.signal()
}

// appendLocked adds a snapshot entry at the tail, skipping duplicates.
// The snapshot arrives newest-first, so append preserves that order.
func (c *Controller) appendLocked(entry *Entry) {
	if _, dup := c.seen[entry.Conversation.ID]; dup {
		return
	}
	c.seen[entry.Conversation.ID] = struct{}{}
	c.entries = append(c.entries, entry)
}

// resolve looks up the counterparty profile for an inbox row.
func (c *Controller) resolve(ctx context.Context, conv *store.Conversation) (*Entry, error) {
	peerID, ok := conv.Counterparty(c.selfID)
	if !ok {
		return nil, fmt.Errorf("user %s is not a participant of conversation %s", c.selfID, conv.ID)
	}
	peer, err := c.users.GetUser(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("resolving counterparty %s: %w", peerID, err)
	}
	name := peer.DisplayName
	if name == "" {
		name = peer.Username
	}
	return &Entry{Conversation: conv, PeerID: peerID, PeerName: name}, nil
}

// Entries returns a snapshot of the inbox, newest conversation first.
func (c *Controller) Entries() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Updates signals after the entry list changes. Signals coalesce; read
// Entries for the current state.
func (c *Controller) Updates() <-chan struct{} {
	return c.notify
}

// Close stops the feed subscription. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		// The feed subscription's channel closes on cancel; the pump drains
		// it and then closes done.
		cancel()
	} else {
		// Closed before Open, so no pump will run.
		c.doneOnce.Do(func() { close(c.done) })
	}
}

// Done returns a channel closed once the controller has shut down and its
// event pump has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
