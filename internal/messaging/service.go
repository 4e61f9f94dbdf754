// ABOUTME: Message append and history service; the store is the source of truth
// ABOUTME: Assigns server-side timestamps and publishes exactly one feed event per row

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/dm-gateway/internal/dedupe"
	"github.com/campuslink/dm-gateway/internal/feed"
	"github.com/campuslink/dm-gateway/internal/store"
)

// ErrEmptyMessage is returned when the body is empty after trimming.
var ErrEmptyMessage = errors.New("empty message body")

// ErrNotAParticipant is returned when the sender is not part of the conversation.
var ErrNotAParticipant = errors.New("sender is not a participant")

// ErrConversationNotFound is returned when the conversation does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

const (
	// retryWindow bounds how long a retried send with the same client key
	// is answered from the dedupe cache before falling through to the
	// store's uniqueness constraint.
	retryWindow = 10 * time.Minute
	// retryCacheSize caps the in-memory retry cache.
	retryCacheSize = 4096
)

// MessageStore defines what the service needs from storage.
type MessageStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
	GetMessageByClientKey(ctx context.Context, conversationID, clientKey string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// Service is the append path for messages. All sends flow through here:
// the row is written first, then exactly one live event is published, so
// history and the feed never disagree about what exists.
type Service struct {
	store   MessageStore
	feed    *feed.Broadcaster
	retries *dedupe.SendGuard
	logger  *slog.Logger
}

// New creates a messaging service. The broadcaster may be nil in tests.
func New(messageStore MessageStore, broadcaster *feed.Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   messageStore,
		feed:    broadcaster,
		retries: dedupe.NewSendGuard(retryWindow, retryCacheSize),
		logger:  logger.With("component", "messaging"),
	}
}

// Close releases the retry cache's background goroutine.
func (s *Service) Close() {
	s.retries.Close()
}

// AppendRequest contains everything needed to append a message.
type AppendRequest struct {
	ConversationID string
	SenderID       string
	Body           string

	// ClientKey is an optional idempotency key. A retried send with the
	// same key returns the already-persisted message instead of appending
	// a second row or publishing a second event.
	ClientKey string
}

// Append validates the request, persists the message with a store-assigned
// timestamp, and publishes one message-appended event on the conversation
// topic. Validation failures are returned synchronously and never retried.
func (s *Service) Append(ctx context.Context, req *AppendRequest) (*store.Message, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}
	if !conv.HasParticipant(req.SenderID) {
		return nil, ErrNotAParticipant
	}

	if req.ClientKey != "" {
		if s.retries.CheckAndMarkSend(req.ConversationID, req.SenderID, req.ClientKey) {
			if existing, err := s.store.GetMessageByClientKey(ctx, req.ConversationID, req.ClientKey); err == nil {
				s.logger.Debug("retried send answered from existing row",
					"conversation_id", req.ConversationID,
					"message_id", existing.ID)
				return existing, nil
			}
			// Cache hit without a row means the original send never
			// committed; fall through and append normally.
		}
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Body:           body,
		ClientKey:      req.ClientKey,
		CreatedAt:      time.Now(),
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		// The uniqueness constraint on (conversation_id, client_key) is the
		// authoritative retry guard; the cache above is only a fast path.
		if errors.Is(err, store.ErrDuplicateClientKey) && req.ClientKey != "" {
			existing, lookupErr := s.store.GetMessageByClientKey(ctx, req.ConversationID, req.ClientKey)
			if lookupErr == nil {
				s.logger.Debug("found existing message after send race",
					"message_id", existing.ID)
				return existing, nil
			}
			return nil, fmt.Errorf("resolving message after send race: %w", lookupErr)
		}
		return nil, fmt.Errorf("saving message: %w", err)
	}

	s.logger.Debug("message appended",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender", req.SenderID)

	if s.feed != nil {
		s.feed.Publish(feed.ConversationTopic(conv.ID), &feed.Event{
			Kind:    feed.KindMessageAppended,
			Message: msg,
		})
	}

	return msg, nil
}

// History returns all messages for the conversation in ascending
// (created_at, id) order. Snapshot semantics: restartable and finite.
func (s *Service) History(ctx context.Context, conversationID string) ([]*store.Message, error) {
	if conversationID == "" {
		return nil, ErrConversationNotFound
	}
	messages, err := s.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return messages, nil
}
