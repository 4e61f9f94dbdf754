// ABOUTME: Conversation directory mapping unordered user pairs to conversations
// ABOUTME: Creates a conversation lazily on first contact and resolves create races

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/campuslink/dm-gateway/internal/feed"
	"github.com/campuslink/dm-gateway/internal/store"
)

// ErrInvalidParticipant is returned when a participant ID is empty, the two
// IDs are equal, or either user does not exist.
var ErrInvalidParticipant = errors.New("invalid participant")

// DirectoryStore defines what the directory needs from storage.
type DirectoryStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversationByPair(ctx context.Context, lo, hi string) (*store.Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*store.Conversation, error)
}

// Service resolves unordered user pairs to at most one conversation each.
type Service struct {
	store  DirectoryStore
	feed   *feed.Broadcaster
	logger *slog.Logger
}

// New creates a directory service. The broadcaster may be nil, in which
// case no conversation-created events are published.
func New(directoryStore DirectoryStore, broadcaster *feed.Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  directoryStore,
		feed:   broadcaster,
		logger: logger.With("component", "directory"),
	}
}

// GetOrCreate returns the conversation for the pair {userA, userB},
// creating it on first contact. (A,B) and (B,A) resolve to the same
// conversation. If two callers race to create the pair, the store's
// uniqueness constraint picks a single winner and the loser re-queries,
// so exactly one row ever exists per pair.
func (s *Service) GetOrCreate(ctx context.Context, userA, userB string) (*store.Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, ErrInvalidParticipant
	}

	for _, id := range []string{userA, userB} {
		if _, err := s.store.GetUser(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown user %s", ErrInvalidParticipant, id)
			}
			return nil, fmt.Errorf("looking up participant: %w", err)
		}
	}

	lo, hi := store.PairKey(userA, userB)

	conv, err := s.store.GetConversationByPair(ctx, lo, hi)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}

	conv = &store.Conversation{
		ID:            uuid.New().String(),
		ParticipantLo: lo,
		ParticipantHi: hi,
		CreatedAt:     time.Now(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Another caller may have created the conversation between our
		// lookup and insert attempt; adopt the winning row.
		if errors.Is(err, store.ErrDuplicateConversation) {
			existing, lookupErr := s.store.GetConversationByPair(ctx, lo, hi)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after create race",
					"conversation_id", existing.ID)
				return existing, nil
			}
			s.logger.Error("retry lookup failed after duplicate error",
				"lookup_error", lookupErr)
			return nil, fmt.Errorf("resolving conversation after create race: %w", lookupErr)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("conversation created",
		"conversation_id", conv.ID,
		"participant_lo", lo,
		"participant_hi", hi)

	s.publishCreated(conv)
	return conv, nil
}

// ListForUser returns the conversations the user participates in,
// newest-created-first. Snapshot semantics: the result reflects storage
// state at call time.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*store.Conversation, error) {
	if userID == "" {
		return nil, ErrInvalidParticipant
	}
	convs, err := s.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, nil
}

// publishCreated notifies both participants' user topics about a new
// conversation. Only the create winner publishes, so subscribers see the
// event at most once per broadcaster delivery.
func (s *Service) publishCreated(conv *store.Conversation) {
	if s.feed == nil {
		return
	}
	event := &feed.Event{Kind: feed.KindConversationCreated, Conversation: conv}
	s.feed.Publish(feed.UserTopic(conv.ParticipantLo), event)
	s.feed.Publish(feed.UserTopic(conv.ParticipantHi), event)
}
