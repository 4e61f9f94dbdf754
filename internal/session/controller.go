// ABOUTME: Per-open-conversation client state machine: history plus live merge
// ABOUTME: Maintains a (timestamp, id) ordered, de-duplicated message view

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/campuslink/dm-gateway/internal/feed"
	"github.com/campuslink/dm-gateway/internal/messaging"
	"github.com/campuslink/dm-gateway/internal/store"
)

// State is the lifecycle phase of a chat session.
type State int

const (
	// StateResolving: the conversation for the pair is being resolved or created.
	StateResolving State = iota
	// StateLoading: history is being fetched; live events are buffered.
	StateLoading
	// StateLive: the ordered view is current and live events merge directly.
	StateLive
	// StateClosed: the session is torn down; no further mutation is accepted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotLive is returned by Send when the session is not in the live state.
var ErrNotLive = errors.New("session is not live")

// ErrAlreadyOpened is returned when Open is called more than once.
var ErrAlreadyOpened = errors.New("session already opened")

// Directory resolves a user pair to its conversation.
type Directory interface {
	GetOrCreate(ctx context.Context, userA, userB string) (*store.Conversation, error)
}

// Messages is the append/history surface the session needs.
type Messages interface {
	Append(ctx context.Context, req *messaging.AppendRequest) (*store.Message, error)
	History(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// Controller manages one open conversation for one user. It resolves the
// conversation, loads history, subscribes to the live feed, and exposes a
// single ordered view merged from both sources. Incoming events are
// inserted in (timestamp, id) order, never blindly appended, and duplicate
// identifiers are dropped, which also reconciles the optimistic copy of a
// just-sent message with its feed delivery.
type Controller struct {
	directory Directory
	messages  Messages
	feed      *feed.Broadcaster
	selfID    string
	peerID    string
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	conv    *store.Conversation
	view    []*store.Message
	seen    map[string]struct{}
	pending []*store.Message // live events that arrived before history
	sending int
	lastErr error
	cancel  context.CancelFunc

	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a controller for a chat between selfID and peerID.
// The session starts in the resolving state; call Open to activate it.
func New(dir Directory, messages Messages, broadcaster *feed.Broadcaster, selfID, peerID string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		directory: dir,
		messages:  messages,
		feed:      broadcaster,
		selfID:    selfID,
		peerID:    peerID,
		logger:    logger.With("component", "session", "peer", peerID),
		state:     StateResolving,
		seen:      make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Open resolves the conversation, subscribes to its live feed, and loads
// history. The subscription is opened before the history fetch so nothing
// is missed; events delivered while loading are buffered and merged after
// history arrives. Resolution or history failure closes the session with
// the error surfaced to the caller.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateResolving {
		c.mu.Unlock()
		return ErrAlreadyOpened
	}
	c.mu.Unlock()

	conv, err := c.directory.GetOrCreate(ctx, c.selfID, c.peerID)
	if err != nil {
		c.fail(fmt.Errorf("resolving conversation: %w", err))
		return err
	}

	c.mu.Lock()
	c.conv = conv
	c.state = StateLoading
	feedCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	events, _ := c.feed.Subscribe(feedCtx, feed.ConversationTopic(conv.ID))
	go c.pump(events)

	history, err := c.messages.History(ctx, conv.ID)
	if err != nil {
		err = fmt.Errorf("loading history: %w", err)
		c.fail(err)
		return err
	}

	c.mu.Lock()
	for _, msg := range history {
		c.insertLocked(msg)
	}
	// Merge events that raced in ahead of the history fetch; insertLocked
	// drops anything the snapshot already contained.
	for _, msg := range c.pending {
		c.insertLocked(msg)
	}
	c.pending = nil
	c.state = StateLive
	c.mu.Unlock()

	c.logger.Debug("session live",
		"conversation_id", conv.ID,
		"history", len(history))
	c.signal()
	return nil
}

// pump consumes feed events until the subscription channel closes.
func (c *Controller) pump(events <-chan *feed.Event) {
	for ev := range events {
		c.handleEvent(ev)
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// handleEvent merges one live event into the view. Events for other
// conversations (stale deliveries after a switch) and events arriving
// after close are discarded by identifier comparison, not timing.
func (c *Controller) handleEvent(ev *feed.Event) {
	if ev.Kind != feed.KindMessageAppended || ev.Message == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || c.conv == nil || ev.Message.ConversationID != c.conv.ID {
		return
	}

	if c.state == StateLoading {
		c.pending = append(c.pending, ev.Message)
		return
	}

	if c.insertLocked(ev.Message) {
		c.signalLocked()
	}
}

// insertLocked places msg at its (CreatedAt, ID) position in the view.
// Returns false for duplicate identifiers, which guards against
// at-least-once redelivery and reconciles optimistic sends.
func (c *Controller) insertLocked(msg *store.Message) bool {
	if _, dup := c.seen[msg.ID]; dup {
		return false
	}
	c.seen[msg.ID] = struct{}{}

	idx := sort.Search(len(c.view), func(i int) bool {
		other := c.view[i]
		if !msg.CreatedAt.Equal(other.CreatedAt) {
			return msg.CreatedAt.Before(other.CreatedAt)
		}
		return msg.ID < other.ID
	})
	c.view = slices.Insert(c.view, idx, msg)
	return true
}

// Send appends a message to the conversation. The returned message is
// inserted optimistically; the feed's copy is dropped as a duplicate.
// Failures are reported to the caller without changing session state, so
// the UI can keep the typed text for a manual retry.
func (c *Controller) Send(ctx context.Context, body string) (*store.Message, error) {
	c.mu.Lock()
	if c.state != StateLive {
		c.mu.Unlock()
		return nil, ErrNotLive
	}
	conversationID := c.conv.ID
	c.sending++
	c.mu.Unlock()

	msg, err := c.messages.Append(ctx, &messaging.AppendRequest{
		ConversationID: conversationID,
		SenderID:       c.selfID,
		Body:           body,
	})

	c.mu.Lock()
	c.sending--
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.state == StateLive {
		c.insertLocked(msg)
		c.signalLocked()
	}
	c.mu.Unlock()

	return msg, nil
}

// Close tears the session down and cancels the feed subscription. Events
// already queued client-side are discarded once the state is closed.
// Safe to call multiple times.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		// The feed subscription's channel closes on cancel; the pump drains
		// it and then closes done.
		cancel()
	} else {
		// Closed before a subscription existed, so no pump will run.
		c.doneOnce.Do(func() { close(c.done) })
	}
	c.signal()
}

// Done returns a channel closed once the session has fully shut down and
// its event pump has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// fail closes the session recording err as the terminal error.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.Close()
}

// Messages returns a copy of the ordered, de-duplicated view.
func (c *Controller) Messages() []*store.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*store.Message, len(c.view))
	copy(out, c.view)
	return out
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conversation returns the resolved conversation, or nil before resolution.
func (c *Controller) Conversation() *store.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

// Sending reports whether any append is in flight.
func (c *Controller) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending > 0
}

// Err returns the terminal error for a session closed by failure, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Updates returns a coalesced change-notification channel: one receive
// means the view or state changed at least once since the last read.
func (c *Controller) Updates() <-chan struct{} {
	return c.notify
}

func (c *Controller) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// signalLocked is signal for callers already holding mu; the channel send
// never blocks so holding the lock is safe.
func (c *Controller) signalLocked() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
