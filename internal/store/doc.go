// Package store provides persistence for users, conversations and messages.
//
// The SQLite implementation is the source of truth for message ordering:
// timestamps are assigned server-side at append time and stored as
// RFC3339Nano text, and every read path orders by (created_at, id).
//
// Conversations are keyed by a canonicalized unordered participant pair
// (see PairKey). A UNIQUE constraint on the sorted pair means two clients
// racing to open the same chat resolve to a single row: the loser gets
// ErrDuplicateConversation and re-queries.
package store
