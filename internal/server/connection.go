package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/lox/sus/internal/auth"
	"github.com/lox/sus/internal/session"
)

// Connection is one websocket client. A client authenticates once with an
// identity and then watches the sessions it creates, joins or asks to see.
type Connection struct {
	conn      *websocket.Conn
	server    *Server
	send      chan *Message
	identity  session.Identity
	watching  map[string]bool
	logger    *log.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	closeOnce sync.Once
}

// NewConnection creates a new connection wrapper
func NewConnection(conn *websocket.Conn, server *Server) *Connection {
	ctx, cancel := context.WithCancel(server.ctx)

	return &Connection{
		conn:     conn,
		server:   server,
		send:     make(chan *Message, 256),
		watching: make(map[string]bool),
		logger:   server.logger.WithPrefix("conn"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins handling the connection
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Close closes the connection
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancel()
		close(c.send)
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// SendMessage queues msg for the client without blocking. A client that
// cannot keep up is dropped.
func (c *Connection) SendMessage(msg *Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ctx.Err() != nil {
		return ErrConnectionClosed
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("Connection send buffer full, closing connection", "identity", c.identity)
		go func() { _ = c.Close() }()
		return ErrConnectionClosed
	}
}

// Identity returns the authenticated identity, or "".
func (c *Connection) Identity() session.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Connection) setIdentity(who session.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = who
}

func (c *Connection) watch(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching[sessionID] = true
}

// Watching reports whether the client receives events for sessionID.
func (c *Connection) Watching(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.watching[sessionID]
}

func (c *Connection) watched() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.watching))
	for id := range c.watching {
		ids = append(ids, id)
	}
	return ids
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

var (
	ErrConnectionClosed = websocket.ErrCloseSent
)

func (c *Connection) readPump() {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleMessage(msg *Message) {
	c.logger.Debug("Received message", "type", msg.Type, "identity", c.Identity())

	if msg.Type == MessageTypeAuth {
		var data AuthData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse auth data")
			return
		}
		c.handleAuth(msg.RequestID, data)
		return
	}

	who := c.Identity()
	if who == "" {
		c.sendError(msg.RequestID, "not_authenticated", "Must authenticate first")
		return
	}

	if msg.Type == MessageTypeCreate {
		var data CreateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse create data")
			return
		}
		s, err := c.server.controller.Create(c.ctx, who, session.Amount(data.Stake), data.MaxParticipants)
		c.reply(msg.RequestID, s, err)
		return
	}

	var data IntentData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse "+msg.Type.String()+" data")
			return
		}
	}
	id, err := c.server.resolve(data)
	if err != nil {
		c.replyError(msg.RequestID, err)
		return
	}

	ctrl := c.server.controller
	var s *session.Session
	switch msg.Type {
	case MessageTypeWatch:
		c.watch(id)
		if _, touchErr := ctrl.Touch(c.ctx, id, who); touchErr != nil && !errors.Is(touchErr, session.ErrNotParticipant) {
			err = touchErr
		}
	case MessageTypeJoin:
		c.watch(id)
		s, err = ctrl.Join(c.ctx, id, who, session.Amount(data.Stake))
	case MessageTypeLeave:
		s, err = ctrl.Leave(c.ctx, id, who)
	case MessageTypeStart:
		s, err = ctrl.Start(c.ctx, id, who)
	case MessageTypeCancel:
		s, err = ctrl.Cancel(c.ctx, id, who)
	case MessageTypeOpenDiscussion:
		s, err = ctrl.OpenDiscussion(c.ctx, id, who)
	case MessageTypeCallVote:
		s, err = ctrl.CallVote(c.ctx, id, who)
	case MessageTypeSubmitBallot:
		s, err = ctrl.SubmitBallot(c.ctx, id, who, data.Round, session.Identity(data.Target))
	case MessageTypeDefect:
		s, err = ctrl.Defect(c.ctx, id, who)
	case MessageTypeDispute:
		s, err = ctrl.Dispute(c.ctx, id, who, data.Reason)
	default:
		c.sendError(msg.RequestID, "unknown_message_type", "Unknown message type: "+msg.Type.String())
		return
	}
	if err == nil && s == nil {
		s, err = ctrl.View(id, who)
	}
	c.reply(msg.RequestID, s, err)
}

func (c *Connection) handleAuth(requestID string, data AuthData) {
	who, err := c.server.resolver.Resolve(c.ctx, data.Token)
	switch {
	case errors.Is(err, auth.ErrUnavailable):
		c.logger.Warn("Identity service unavailable", "error", err)
		c.sendError(requestID, "auth_unavailable", "Identity service unavailable")
		return
	case err != nil:
		c.sendError(requestID, "invalid_auth", "Invalid token")
		return
	}
	if current := c.Identity(); current != "" && current != who {
		c.sendError(requestID, "invalid_auth", "Connection already authenticated")
		return
	}
	c.setIdentity(who)
	c.logger.Info("Client authenticated", "identity", who)
	c.sendData(requestID, MessageTypeAuthResponse, AuthResponseData{Success: true, Identity: string(who)})
}

// reply sends the caller's view of s, or the rejection.
func (c *Connection) reply(requestID string, s *session.Session, err error) {
	if err != nil {
		c.replyError(requestID, err)
		return
	}
	c.watch(s.ID)
	c.sendData(requestID, MessageTypeSession, s.ViewFor(c.Identity()))
}

func (c *Connection) replyError(requestID string, err error) {
	c.logger.Debug("Intent rejected", "identity", c.Identity(), "error", err)
	c.sendData(requestID, MessageTypeError, errorData("request_failed", err))
}

func (c *Connection) sendError(requestID, code, message string) {
	c.sendData(requestID, MessageTypeError, ErrorData{Code: code, Message: message})
}

func (c *Connection) sendData(requestID string, messageType MessageType, data any) {
	msg, err := NewMessage(messageType, data, c.server.clock.Now())
	if err != nil {
		c.logger.Error("Failed to create message", "type", messageType, "error", err)
		return
	}
	msg.RequestID = requestID
	_ = c.SendMessage(msg)
}
