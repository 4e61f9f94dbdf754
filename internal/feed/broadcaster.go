// ABOUTME: In-memory fan-out broadcaster for live message and conversation events
// ABOUTME: Publishes events to all subscribers of a topic string without polling

package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/campuslink/dm-gateway/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Kind categorizes a feed event.
type Kind string

const (
	// KindMessageAppended is published on a conversation topic when a
	// message is durably appended to that conversation.
	KindMessageAppended Kind = "message_appended"
	// KindConversationCreated is published on each participant's user
	// topic when a new conversation row is created.
	KindConversationCreated Kind = "conversation_created"
)

// Event is one live update delivered to subscribers.
// Exactly one of Message or Conversation is set, according to Kind.
type Event struct {
	Kind         Kind
	Message      *store.Message
	Conversation *store.Conversation
}

// ConversationTopic returns the topic carrying message-appended events
// for one conversation.
func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

// UserTopic returns the topic carrying conversation-created events for
// one user.
func UserTopic(userID string) string {
	return "user:" + userID
}

// Broadcaster provides in-memory pub/sub for live updates. Subscribers
// register for a topic and receive events as rows are persisted. Delivery
// per subscriber is best-effort: a full subscriber channel drops the event,
// so consumers must treat the feed as lossy-at-least-once and reconcile by
// identifier against history.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // topic -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "feed"),
	}
}

// Subscribe registers a subscriber for events on the given topic.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled; the channel is closed on unsubscribe.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given topic.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(topic string, event *Event) {
	// Sends never block, so holding the read lock across the loop is safe
	// and keeps Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "topic", topic, "kind", event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
// Events already queued on the channel may still be read by the consumer;
// clients discard anything that no longer matches an active conversation.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// SubscriberCount reports how many subscriptions a topic currently has.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("broadcaster closed")
}
