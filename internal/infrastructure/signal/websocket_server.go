package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// CallRouter receives inbound signaling messages from connected clients.
type CallRouter interface {
	HandleOffer(ctx context.Context, from domain.UserID, fromUsername string, msg domain.CallMessage) error
	HandleMessage(ctx context.Context, from domain.UserID, msg domain.CallMessage)
}

// wireMessage is the JSON envelope of one call signaling message on the
// client channel.
type wireMessage struct {
	Category       string      `json:"category"`
	CallID         string      `json:"call_id"`
	ConversationID string      `json:"conversation_id"`
	Recipient      string      `json:"recipient,omitempty"`
	Sender         string      `json:"sender,omitempty"`
	SenderUsername string      `json:"sender_username,omitempty"`
	SDP            *domain.SDP `json:"sdp,omitempty"`
	Candidate      string      `json:"candidate,omitempty"`
}

// clientConn serializes writes to one websocket connection.
type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *clientConn) writeJSON(timeout time.Duration, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(v)
}

// WebSocketServer is the per-user signaling channel. One authenticated
// connection per user; a reconnect displaces the previous connection. It
// doubles as the MessageSender used by peer calls to reach the remote side.
type WebSocketServer struct {
	auth   ports.AuthService
	router CallRouter

	connections map[domain.UserID]*clientConn
	mu          sync.RWMutex

	upgrader websocket.Upgrader

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	onConnect    func()
	onDisconnect func()

	logger *zap.SugaredLogger
}

// SetConnectionHooks registers callbacks fired on connect/disconnect, used
// for the connection gauge. Must be called before serving.
func (s *WebSocketServer) SetConnectionHooks(onConnect, onDisconnect func()) {
	s.onConnect = onConnect
	s.onDisconnect = onDisconnect
}

func NewWebSocketServer(auth ports.AuthService, router CallRouter, allowedOrigins []string, logger *zap.SugaredLogger) *WebSocketServer {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketServer{
		auth:   auth,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
		},
		connections:  make(map[domain.UserID]*clientConn),
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// SendMessage delivers a call message to the recipient's connection, if one
// exists. Delivery to an offline user is the messaging backend's problem,
// not this channel's; the caller treats sends as fire-and-forget.
func (s *WebSocketServer) SendMessage(ctx context.Context, recipient domain.UserID, msg domain.CallMessage) error {
	s.mu.RLock()
	client, exists := s.connections[recipient]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("user %s not connected", recipient)
	}

	return client.writeJSON(s.writeTimeout, wireMessage{
		Category:       string(msg.Category),
		CallID:         msg.CallID.String(),
		ConversationID: string(msg.ConversationID),
		SDP:            msg.SDP,
		Candidate:      msg.Candidate,
	})
}

// NotifyUser pushes an arbitrary JSON payload to one user, used for
// membership fanout to call participants.
func (s *WebSocketServer) NotifyUser(userID domain.UserID, payload interface{}) error {
	s.mu.RLock()
	client, exists := s.connections[userID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("user %s not connected", userID)
	}
	return client.writeJSON(s.writeTimeout, payload)
}

// ConnectedUsers lists users with a live signaling channel.
func (s *WebSocketServer) ConnectedUsers() []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserID, 0, len(s.connections))
	for id := range s.connections {
		users = append(users, id)
	}
	return users
}

func (s *WebSocketServer) IsConnected(userID domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.connections[userID]
	return exists
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	userID := claims.UserID
	client := &clientConn{conn: conn}

	s.mu.Lock()
	if previous, reconnect := s.connections[userID]; reconnect && previous != nil {
		previous.conn.Close()
		s.logger.Infow("displacing previous connection", "user_id", string(userID))
	}
	s.connections[userID] = client
	s.mu.Unlock()

	s.logger.Infow("user connected", "user_id", string(userID))
	if s.onConnect != nil {
		s.onConnect()
	}

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan wireMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(r.Context(), userID, claims.Username, msg); err != nil {
				s.logger.Infow("rejected client message",
					"user_id", string(userID),
					"category", msg.Category,
					"error", err,
				)
				s.sendError(client, err.Error())
			}

		case <-pingTicker.C:
			client.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			client.mu.Unlock()
			if err != nil {
				s.logger.Infow("ping failed", "user_id", string(userID), "error", err)
				s.disconnect(userID, client)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "user_id", string(userID), "error", err)
			}
			s.disconnect(userID, client)
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, from domain.UserID, fromUsername string, msg wireMessage) error {
	if msg.Category == "" {
		return fmt.Errorf("category is required")
	}
	callID, err := uuid.Parse(msg.CallID)
	if err != nil {
		return fmt.Errorf("invalid call_id: %w", err)
	}

	call := domain.CallMessage{
		Category:       domain.MessageCategory(msg.Category),
		CallID:         callID,
		ConversationID: domain.ConversationID(msg.ConversationID),
		SDP:            msg.SDP,
		Candidate:      msg.Candidate,
	}

	if call.Category == domain.MessageOffer {
		if call.SDP == nil || !call.SDP.IsOffer() {
			return fmt.Errorf("offer message without offer sdp")
		}
		return s.router.HandleOffer(ctx, from, fromUsername, call)
	}

	s.router.HandleMessage(ctx, from, call)
	return nil
}

func (s *WebSocketServer) disconnect(userID domain.UserID, client *clientConn) {
	s.mu.Lock()
	// Only remove the mapping if it still points at this connection; a
	// reconnect may have displaced it already.
	if current, exists := s.connections[userID]; exists && current == client {
		delete(s.connections, userID)
	}
	s.mu.Unlock()
	s.logger.Infow("user disconnected", "user_id", string(userID))
	if s.onDisconnect != nil {
		s.onDisconnect()
	}
}

func (s *WebSocketServer) sendError(client *clientConn, message string) {
	_ = client.writeJSON(s.writeTimeout, map[string]interface{}{
		"type":    "error",
		"message": message,
	})
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	})
}
