package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/123ashny/KENYASHIP/internal/access"
)

const (
	// pingInterval is how often the server pings an idle connection.
	pingInterval = 25 * time.Second
	// idleTimeout closes connections with no traffic (including pongs).
	idleTimeout = 30 * time.Second
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// maxMessageBytes bounds inbound control messages.
	maxMessageBytes = 4 << 10
)

// wsConn is the slice of *websocket.Conn the session uses. Kept as an
// interface so sessions can be driven in tests without a live socket.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

type frameKind int

const (
	frameEvent frameKind = iota
	frameReply
)

// frame is one outbound unit. Event frames are re-queued to the offline
// queue if the session dies before they are written.
type frame struct {
	kind  frameKind
	event Event
	reply outMessage
}

type outMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

type inMessage struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	DeliveryID string `json:"deliveryId,omitempty"`
}

// TokenVerifier turns a bearer token into an identity; implemented by
// access.Authenticator.
type TokenVerifier interface {
	ParseToken(token string) (access.Identity, error)
}

// SetVerifier installs the token verifier used by in-band authenticate
// messages. Call before serving.
func (h *Hub) SetVerifier(v TokenVerifier) {
	h.verifier = v
}

// Session is one websocket connection. Identity fields are guarded by the
// hub mutex.
type Session struct {
	ID   string
	hub  *Hub
	conn wsConn
	send chan frame

	userID        string
	role          access.Role
	authenticated bool
	subscriptions map[string]struct{}
	closed        bool
}

func newSession(h *Hub, conn wsConn) *Session {
	return &Session{
		ID:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		send:          make(chan frame, sendBuffer),
		subscriptions: make(map[string]struct{}),
	}
}

// reply queues a protocol acknowledgement. Caller holds the hub mutex.
func (s *Session) reply(msgType string, data map[string]interface{}) {
	if s.closed {
		return
	}
	select {
	case s.send <- frame{kind: frameReply, reply: outMessage{Type: msgType, Data: data}}:
	default:
	}
}

// HandleMessage dispatches one inbound protocol message.
func (s *Session) HandleMessage(raw []byte) {
	var msg inMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.hub.mu.Lock()
		s.reply("error", map[string]interface{}{"code": "BAD_MESSAGE", "message": "malformed message"})
		s.hub.mu.Unlock()
		return
	}
	switch msg.Type {
	case "authenticate":
		s.handleAuthenticate(msg.Token)
	case "subscribe:delivery":
		s.hub.Subscribe(s, msg.DeliveryID)
	case "unsubscribe:delivery":
		s.hub.Unsubscribe(s, msg.DeliveryID)
	case "ping":
		s.hub.mu.Lock()
		s.reply("pong", map[string]interface{}{"timestamp": time.Now().UTC().Format(time.RFC3339)})
		s.hub.mu.Unlock()
	default:
		s.hub.mu.Lock()
		s.reply("error", map[string]interface{}{"code": "UNKNOWN_TYPE", "message": "unknown message type: " + msg.Type})
		s.hub.mu.Unlock()
	}
}

func (s *Session) handleAuthenticate(token string) {
	if s.hub.verifier == nil {
		s.hub.mu.Lock()
		s.reply("error", map[string]interface{}{"code": "UNAUTHENTICATED", "message": "authentication unavailable"})
		s.hub.mu.Unlock()
		return
	}
	ident, err := s.hub.verifier.ParseToken(token)
	if err != nil {
		s.hub.mu.Lock()
		s.reply("error", map[string]interface{}{"code": "UNAUTHENTICATED", "message": "invalid token"})
		s.hub.mu.Unlock()
		return
	}
	s.hub.Authenticate(s, ident)
}

// readPump consumes inbound frames until the connection drops.
func (s *Session) readPump() {
	defer func() {
		s.hub.Disconnect(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageBytes)
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("websocket read error",
					zap.String("sessionId", s.ID),
					zap.Error(err),
				)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		s.HandleMessage(raw)
	}
}

// writePump serializes outbound frames and keeps the connection alive.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case f, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			var payload []byte
			var err error
			if f.kind == frameEvent {
				payload, err = json.Marshal(outMessage{Type: "event", Data: map[string]interface{}{
					"id":        f.event.ID,
					"type":      f.event.Type,
					"payload":   f.event.Payload,
					"timestamp": f.event.At,
				}})
			} else {
				payload, err = json.Marshal(f.reply)
			}
			if err != nil {
				s.hub.logger.Error("event marshal failed", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
