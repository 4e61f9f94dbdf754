// ABOUTME: HTTP API handlers for accounts, conversations, and messages
// ABOUTME: JSON request/response types plus error-to-status mapping

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/campuslink/dm-gateway/internal/auth"
	"github.com/campuslink/dm-gateway/internal/directory"
	"github.com/campuslink/dm-gateway/internal/identity"
	"github.com/campuslink/dm-gateway/internal/messaging"
	"github.com/campuslink/dm-gateway/internal/store"
)

// RegisterRequest is the JSON request body for POST /api/register.
type RegisterRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Password    string `json:"password"`
}

// LoginRequest is the JSON request body for POST /api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/login.
type LoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

// UserResponse is the JSON shape for a user profile.
type UserResponse struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	PeerID string `json:"peer_id"`
}

// ConversationResponse is the JSON shape for a conversation, resolved
// from the perspective of the authenticated user.
type ConversationResponse struct {
	ID        string       `json:"id"`
	Peer      UserResponse `json:"peer"`
	CreatedAt string       `json:"created_at"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Body      string `json:"body"`
	ClientKey string `json:"client_key,omitempty"`
}

// MessageResponse is the JSON shape for a message.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      string `json:"created_at"`
}

func userToResponse(u *store.User) UserResponse {
	return UserResponse{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		CreatedAt:   u.CreatedAt.Format(time.RFC3339Nano),
	}
}

func messageToResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt.Format(time.RFC3339Nano),
	}
}

// conversationToResponse resolves the counterparty profile for selfID.
func (s *Server) conversationToResponse(ctx context.Context, conv *store.Conversation, selfID string) (ConversationResponse, error) {
	peerID, ok := conv.Counterparty(selfID)
	if !ok {
		return ConversationResponse{}, fmt.Errorf("user %s is not a participant of conversation %s", selfID, conv.ID)
	}
	peer, err := s.store.GetUser(ctx, peerID)
	if err != nil {
		return ConversationResponse{}, err
	}
	return ConversationResponse{
		ID:        conv.ID,
		Peer:      userToResponse(peer),
		CreatedAt: conv.CreatedAt.Format(time.RFC3339Nano),
	}, nil
}

// handleRegister handles POST /api/register requests.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := s.identity.Register(r.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, userToResponse(user))
}

// handleLogin handles POST /api/login requests.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	token, user, err := s.identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, LoginResponse{
		Token: token,
		User:  userToResponse(user),
	})
}

// handleMe handles GET /api/me requests.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	user := auth.MustUserFromContext(r.Context())
	s.writeJSON(w, http.StatusOK, userToResponse(user))
}

// handleListUsers handles GET /api/users requests for the people picker.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	users, err := s.identity.ListUsers(r.Context())
	if err != nil {
		s.logger.Error("failed to list users", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	self := auth.MustUserFromContext(r.Context())
	response := make([]UserResponse, 0, len(users))
	for _, u := range users {
		if u.ID == self.ID {
			continue
		}
		response = append(response, userToResponse(u))
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleConversations handles GET and POST /api/conversations requests.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListConversations(w, r)
	case http.MethodPost:
		s.handleCreateConversation(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	self := auth.MustUserFromContext(r.Context())

	convs, err := s.directory.ListForUser(r.Context(), self.ID)
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationResponse, 0, len(convs))
	for _, conv := range convs {
		resp, err := s.conversationToResponse(r.Context(), conv, self.ID)
		if err != nil {
			s.logger.Error("failed to resolve counterparty", "conversation_id", conv.ID, "error", err)
			continue
		}
		response = append(response, resp)
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	self := auth.MustUserFromContext(r.Context())

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := s.directory.GetOrCreate(r.Context(), self.ID, req.PeerID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	resp, err := s.conversationToResponse(r.Context(), conv, self.ID)
	if err != nil {
		s.logger.Error("failed to resolve counterparty", "conversation_id", conv.ID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleConversationRoutes dispatches /api/conversations/{id}/... requests.
func (s *Server) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	conversationID := parts[0]
	switch parts[1] {
	case "messages":
		s.handleConversationMessages(w, r, conversationID)
	case "events":
		s.handleConversationEvents(w, r, conversationID)
	default:
		s.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleConversationMessages handles GET and POST on a conversation's messages.
func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	switch r.Method {
	case http.MethodGet:
		s.handleListMessages(w, r, conversationID)
	case http.MethodPost:
		s.handleSendMessage(w, r, conversationID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	self := auth.MustUserFromContext(r.Context())

	if !s.requireParticipant(w, r, conversationID, self.ID) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	messages, err := s.store.ListMessages(r.Context(), conversationID, limit)
	if err != nil {
		s.logger.Error("failed to list messages", "conversation_id", conversationID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		response = append(response, messageToResponse(m))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	self := auth.MustUserFromContext(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := s.messaging.Append(r.Context(), &messaging.AppendRequest{
		ConversationID: conversationID,
		SenderID:       self.ID,
		Body:           req.Body,
		ClientKey:      req.ClientKey,
	})
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, messageToResponse(msg))
}

// requireParticipant loads the conversation and rejects callers who are
// not one of its two participants. Returns false when a response has
// already been written.
func (s *Server) requireParticipant(w http.ResponseWriter, r *http.Request, conversationID, userID string) bool {
	conv, err := s.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, "conversation not found")
		} else {
			s.logger.Error("failed to load conversation", "conversation_id", conversationID, "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return false
	}
	if !conv.HasParticipant(userID) {
		s.sendJSONError(w, http.StatusForbidden, "not a participant")
		return false
	}
	return true
}

// sendDomainError maps service errors onto HTTP statuses.
func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidUsername),
		errors.Is(err, identity.ErrInvalidPassword),
		errors.Is(err, directory.ErrInvalidParticipant),
		errors.Is(err, messaging.ErrEmptyMessage):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrInvalidCredentials):
		s.sendJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, messaging.ErrNotAParticipant):
		s.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, messaging.ErrConversationNotFound), errors.Is(err, store.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, identity.ErrUsernameTaken):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
