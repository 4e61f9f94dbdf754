// ABOUTME: Tests for the feed Broadcaster fan-out pub/sub
// ABOUTME: Covers subscribe, publish, unsubscribe, context cancellation, concurrency

package feed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/campuslink/dm-gateway/internal/store"
)

func makeMessageEvent(id, conversationID string) *Event {
	return &Event{
		Kind: KindMessageAppended,
		Message: &store.Message{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       "test-user",
			Body:           "hello from " + id,
			CreatedAt:      time.Now(),
		},
	}
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	topic := ConversationTopic("conv-1")
	ch, _ := b.Subscribe(context.Background(), topic)

	b.Publish(topic, makeMessageEvent("msg-1", "conv-1"))

	select {
	case received := <-ch:
		assert.Equal(t, "msg-1", received.Message.ID)
		assert.Equal(t, KindMessageAppended, received.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	topic := ConversationTopic("conv-1")
	ch1, _ := b.Subscribe(context.Background(), topic)
	ch2, _ := b.Subscribe(context.Background(), topic)
	ch3, _ := b.Subscribe(context.Background(), topic)

	b.Publish(topic, makeMessageEvent("msg-2", "conv-1"))

	for i, ch := range []<-chan *Event{ch1, ch2, ch3} {
		select {
		case received := <-ch:
			assert.Equal(t, "msg-2", received.Message.ID, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_TopicsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(context.Background(), ConversationTopic("conv-1"))
	ch2, _ := b.Subscribe(context.Background(), ConversationTopic("conv-2"))

	b.Publish(ConversationTopic("conv-1"), makeMessageEvent("msg-3", "conv-1"))

	select {
	case received := <-ch1:
		assert.Equal(t, "msg-3", received.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for conv-1 timed out")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("subscriber for conv-2 should not receive events, got %v", ev.Message.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_UserTopicCarriesConversationEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), UserTopic("alice"))

	conv := &store.Conversation{ID: "conv-9", ParticipantLo: "alice", ParticipantHi: "bob"}
	b.Publish(UserTopic("alice"), &Event{Kind: KindConversationCreated, Conversation: conv})

	select {
	case received := <-ch:
		assert.Equal(t, KindConversationCreated, received.Kind)
		assert.Equal(t, "conv-9", received.Conversation.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for conversation event")
	}
}

func TestBroadcaster_UnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	topic := ConversationTopic("conv-1")
	ch, subID := b.Subscribe(context.Background(), topic)

	b.Unsubscribe(topic, subID)

	// Channel must be closed
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}

	// Publishing afterwards must not panic
	b.Publish(topic, makeMessageEvent("msg-4", "conv-1"))
}

func TestBroadcaster_ContextCancellationUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, ConversationTopic("conv-1"))

	cancel()

	// The cleanup goroutine closes the channel shortly after cancellation
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancellation")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after context cancellation")
	}
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	topic := ConversationTopic("conv-1")
	ch, _ := b.Subscribe(context.Background(), topic)

	// Fill past the buffer; Publish must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(topic, makeMessageEvent(fmt.Sprintf("msg-%d", i), "conv-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The buffer holds the first events; the rest were dropped
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBufferSize, received)
			return
		}
	}
}

func TestBroadcaster_ConcurrentSubscribePublish(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	topic := ConversationTopic("conv-1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			ch, subID := b.Subscribe(context.Background(), topic)
			// Drain whatever is buffered, then unsubscribe
			for {
				select {
				case <-ch:
				case <-time.After(20 * time.Millisecond):
					b.Unsubscribe(topic, subID)
					return
				}
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			b.Publish(topic, makeMessageEvent(fmt.Sprintf("msg-%d", n), "conv-1"))
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent subscribe/publish deadlocked")
	}
}

func TestBroadcaster_PublishRacingUnsubscribeDoesNotPanic(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	topic := ConversationTopic("conv-1")
	event := makeMessageEvent("msg-race", "conv-1")

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(topic, event)
			}
		}
	}()

	// Churn subscriptions while the publisher runs. A close landing on a
	// channel mid-send would panic the publisher goroutine.
	for i := 0; i < 200; i++ {
		_, subID := b.Subscribe(context.Background(), topic)
		b.Unsubscribe(topic, subID)
	}

	close(stop)
	wg.Wait()
}

func TestBroadcaster_CloseClosesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(context.Background(), ConversationTopic("conv-1"))
	ch2, _ := b.Subscribe(context.Background(), UserTopic("alice"))

	b.Close()

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel not closed by Close")
		}
	}
}
