// ABOUTME: SSE streaming handlers for live conversation and inbox feeds
// ABOUTME: Subscribes to feed topics and relays events until the client disconnects

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/campuslink/dm-gateway/internal/auth"
	"github.com/campuslink/dm-gateway/internal/feed"
)

// heartbeatInterval bounds how long a dead SSE connection lingers.
const heartbeatInterval = 30 * time.Second

// handleConversationEvents handles GET /api/conversations/{id}/events.
// It streams message-appended events for one conversation as SSE.
func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	self := auth.MustUserFromContext(r.Context())
	if !s.requireParticipant(w, r, conversationID, self.ID) {
		return
	}

	s.streamTopic(w, r, feed.ConversationTopic(conversationID))
}

// handleUserEvents handles GET /api/events. It streams
// conversation-created announcements for the authenticated user.
func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	self := auth.MustUserFromContext(r.Context())
	s.streamTopic(w, r, feed.UserTopic(self.ID))
}

// streamTopic subscribes to one feed topic and relays its events as SSE
// until the client disconnects or the broadcaster shuts down.
func (s *Server) streamTopic(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, subID := s.broadcaster.Subscribe(r.Context(), topic)
	s.logger.Debug("SSE stream opened", "topic", topic, "sub_id", subID)

	s.writeSSEEvent(w, "connected", map[string]string{"subscription_id": subID})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			// SSE comment keeps intermediaries from timing out the stream
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				// Broadcaster shut down; the client reconnects and reloads
				s.writeSSEEvent(w, "closed", map[string]string{"reason": "subscription lost"})
				flusher.Flush()
				return
			}

			name, payload := s.eventToSSE(r.Context(), ev)
			if name == "" {
				continue
			}
			s.writeSSEEvent(w, name, payload)
			flusher.Flush()
		}
	}
}

// eventToSSE converts a feed event to an SSE event name and payload.
// Conversation announcements are resolved from the viewer's perspective.
func (s *Server) eventToSSE(ctx context.Context, ev *feed.Event) (string, any) {
	switch ev.Kind {
	case feed.KindMessageAppended:
		if ev.Message == nil {
			return "", nil
		}
		return "message", messageToResponse(ev.Message)
	case feed.KindConversationCreated:
		if ev.Conversation == nil {
			return "", nil
		}
		self := auth.UserFromContext(ctx)
		if self == nil {
			return "", nil
		}
		resp, err := s.conversationToResponse(ctx, ev.Conversation, self.ID)
		if err != nil {
			s.logger.Error("failed to resolve counterparty for event", "conversation_id", ev.Conversation.ID, "error", err)
			return "", nil
		}
		return "conversation", resp
	default:
		return "", nil
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
