// ABOUTME: Store interface and data types for dm-gateway persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when trying to create a user whose username is taken
var ErrDuplicateUser = errors.New("user already exists")

// ErrDuplicateConversation is returned when trying to create a conversation
// for a participant pair that already has one
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateClientKey is returned when a message with the same client key
// was already appended to the conversation
var ErrDuplicateClientKey = errors.New("client key already used")

// User represents a member of the campus community.
// Identity is owned by the identity service; the messaging layer only
// reads ID, DisplayName and AvatarURL.
type User struct {
	ID           string
	Username     string
	DisplayName  string
	AvatarURL    string
	PasswordHash string
	CreatedAt    time.Time
}

// Conversation is a two-party direct-message channel.
// ParticipantLo and ParticipantHi hold the canonicalized (sorted) pair of
// user IDs, so (A,B) and (B,A) map to the same row. The store enforces a
// UNIQUE constraint on the pair.
type Conversation struct {
	ID            string
	ParticipantLo string
	ParticipantHi string
	CreatedAt     time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.ParticipantLo || userID == c.ParticipantHi
}

// Counterparty returns the other participant's ID. The second return value
// is false if userID is not a participant at all.
func (c *Conversation) Counterparty(userID string) (string, bool) {
	switch userID {
	case c.ParticipantLo:
		return c.ParticipantHi, true
	case c.ParticipantHi:
		return c.ParticipantLo, true
	}
	return "", false
}

// PairKey canonicalizes an unordered participant pair into (lo, hi) with
// lo < hi lexicographically. Both directions of a pair produce the same key.
func PairKey(a, b string) (lo, hi string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Message is one immutable unit of text within a conversation.
// CreatedAt is assigned by the store at append time, never by the client,
// so the (CreatedAt, ID) order is consistent across concurrent senders.
// ClientKey is an optional idempotency key supplied by the sending client;
// the store rejects a second append with the same key in a conversation.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	ClientKey      string
	CreatedAt      time.Time
}

// Store defines the interface for user, conversation and message persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, lo, hi string) (*Conversation, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessageByClientKey(ctx context.Context, conversationID, clientKey string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
