// ABOUTME: WebSocket endpoint multiplexing feed topics over one connection
// ABOUTME: Clients subscribe to conversations with JSON commands and receive events

package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campuslink/dm-gateway/internal/feed"
	"github.com/campuslink/dm-gateway/internal/store"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
	wsSendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth covers cross-origin access; the API serves no cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCommand is a client-to-server frame.
type wsCommand struct {
	Type           string `json:"type"` // "subscribe" | "unsubscribe"
	ConversationID string `json:"conversation_id"`
}

// wsFrame is a server-to-client frame.
type wsFrame struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Message        *MessageResponse      `json:"message,omitempty"`
	Conversation   *ConversationResponse `json:"conversation,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// wsClient tracks one websocket connection and its topic subscriptions.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	user   *store.User
	send   chan wsFrame
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

// handleWebSocket handles GET /api/ws. Browsers cannot set headers on
// websocket upgrades, so the token may also arrive as a query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateWS(r)
	if err != nil {
		s.sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		server: s,
		conn:   conn,
		user:   user,
		send:   make(chan wsFrame, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]context.CancelFunc),
	}

	s.logger.Debug("websocket connected", "user_id", user.ID)

	// The user topic is always on: new conversations reach the inbox
	// without an explicit subscribe.
	client.forwardTopic(feed.UserTopic(user.ID), "")

	go client.writePump()
	client.readPump()
}

// authenticateWS resolves the caller from the Authorization header or,
// failing that, the token query parameter.
func (s *Server) authenticateWS(r *http.Request) (*store.User, error) {
	token, errMsg := extractWSToken(r)
	if errMsg != "" {
		return nil, errors.New(errMsg)
	}

	userID, err := s.verifier.Verify(token)
	if err != nil {
		return nil, errors.New("invalid token")
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		return nil, errors.New("user not found")
	}
	return user, nil
}

func extractWSToken(r *http.Request) (string, string) {
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if len(header) > len(prefix) && header[:len(prefix)] == prefix {
			return header[len(prefix):], ""
		}
		return "", "invalid authorization header format"
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, ""
	}
	return "", "missing token"
}

// readPump consumes client commands until the connection drops.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd wsCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", "user_id", c.user.ID, "error", err)
			}
			return
		}

		switch cmd.Type {
		case "subscribe":
			c.subscribe(cmd.ConversationID)
		case "unsubscribe":
			c.unsubscribe(cmd.ConversationID)
		default:
			c.enqueue(wsFrame{Type: "error", Error: "unknown command type"})
		}
	}
}

// writePump relays queued frames and pings until the client goes away.
func (c *wsClient) writePump() {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		}
	}
}

// subscribe attaches the client to a conversation's feed topic after a
// participant check.
func (c *wsClient) subscribe(conversationID string) {
	if conversationID == "" {
		c.enqueue(wsFrame{Type: "error", Error: "conversation_id is required"})
		return
	}

	conv, err := c.server.store.GetConversation(c.ctx, conversationID)
	if err != nil {
		c.enqueue(wsFrame{Type: "error", ConversationID: conversationID, Error: "conversation not found"})
		return
	}
	if !conv.HasParticipant(c.user.ID) {
		c.enqueue(wsFrame{Type: "error", ConversationID: conversationID, Error: "not a participant"})
		return
	}

	c.mu.Lock()
	if _, active := c.subs[conversationID]; active {
		c.mu.Unlock()
		c.enqueue(wsFrame{Type: "subscribed", ConversationID: conversationID})
		return
	}
	c.mu.Unlock()

	cancel := c.forwardTopic(feed.ConversationTopic(conversationID), conversationID)

	c.mu.Lock()
	c.subs[conversationID] = cancel
	c.mu.Unlock()

	c.enqueue(wsFrame{Type: "subscribed", ConversationID: conversationID})
}

// unsubscribe detaches the client from a conversation's feed topic.
func (c *wsClient) unsubscribe(conversationID string) {
	c.mu.Lock()
	cancel, active := c.subs[conversationID]
	if active {
		delete(c.subs, conversationID)
	}
	c.mu.Unlock()

	if active {
		cancel()
	}
	c.enqueue(wsFrame{Type: "unsubscribed", ConversationID: conversationID})
}

// forwardTopic subscribes to a feed topic and relays its events to the
// client's send queue until the subscription or connection ends.
func (c *wsClient) forwardTopic(topic, conversationID string) context.CancelFunc {
	subCtx, cancel := context.WithCancel(c.ctx)
	events, _ := c.server.broadcaster.Subscribe(subCtx, topic)

	go func() {
		for ev := range events {
			frame, ok := c.eventToFrame(ev, conversationID)
			if !ok {
				continue
			}
			c.enqueue(frame)
		}
	}()

	return cancel
}

// eventToFrame converts a feed event into a client frame.
func (c *wsClient) eventToFrame(ev *feed.Event, conversationID string) (wsFrame, bool) {
	switch ev.Kind {
	case feed.KindMessageAppended:
		if ev.Message == nil {
			return wsFrame{}, false
		}
		resp := messageToResponse(ev.Message)
		return wsFrame{Type: "message", ConversationID: conversationID, Message: &resp}, true

	case feed.KindConversationCreated:
		if ev.Conversation == nil {
			return wsFrame{}, false
		}
		resp, err := c.server.conversationToResponse(c.ctx, ev.Conversation, c.user.ID)
		if err != nil {
			c.server.logger.Error("failed to resolve counterparty for frame",
				"conversation_id", ev.Conversation.ID, "error", err)
			return wsFrame{}, false
		}
		return wsFrame{Type: "conversation", Conversation: &resp}, true

	default:
		return wsFrame{}, false
	}
}

// enqueue queues a frame, dropping the connection if the client cannot
// keep up. A client that reconnects reloads state over the REST API.
func (c *wsClient) enqueue(frame wsFrame) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	default:
		c.server.logger.Warn("websocket client too slow, disconnecting", "user_id", c.user.ID)
		c.close()
	}
}

// close tears down every subscription and the underlying connection.
// Safe to call more than once.
func (c *wsClient) close() {
	c.cancel()

	c.mu.Lock()
	for id, cancel := range c.subs {
		cancel()
		delete(c.subs, id)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
}
