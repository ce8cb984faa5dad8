// Package realtime fans privacy-filtered events out to websocket sessions.
// Sessions authenticate in-band, join delivery rooms, and receive events
// addressed to their user id, their role, or a room they subscribed to.
// Events for offline users are queued and replayed on the next authenticate.
package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/emergency"
)

const (
	// OfflineQueueCap bounds the per-user offline queue; the oldest event is
	// dropped when a new one arrives at capacity.
	OfflineQueueCap = 50
	// sendBuffer is the per-session outbound channel depth. A session that
	// falls this far behind is treated as disconnected.
	sendBuffer = 64
)

// Stats is a point-in-time snapshot of hub occupancy.
type Stats struct {
	Sessions      int `json:"sessions"`
	Authenticated int `json:"authenticated"`
	Rooms         int `json:"rooms"`
	QueuedUsers   int `json:"queuedUsers"`
	QueuedEvents  int `json:"queuedEvents"`
	EventsSent    int `json:"eventsSent"`
	EventsQueued  int `json:"eventsQueued"`
	EventsDropped int `json:"eventsDropped"`
}

// Hub routes events to connected sessions.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	rooms    map[string]map[string]*Session
	offline  map[string][]Event

	sent    int
	queued  int
	dropped int

	sink     EventSink
	verifier TokenVerifier
	logger   *zap.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		offline:  make(map[string][]Event),
		logger:   logger,
	}
}

// SetSink mirrors every broadcast to an external relay. Call before serving.
func (h *Hub) SetSink(sink EventSink) {
	h.sink = sink
}

// Broadcast delivers ev to the union of its audience criteria. Each session
// receives the event at most once per call regardless of how many criteria it
// matches. Offline audience users get the event queued.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	targets := make(map[string]*Session)
	if ev.Audience.DeliveryID != "" {
		for id, s := range h.rooms[ev.Audience.DeliveryID] {
			targets[id] = s
		}
	}
	for _, role := range ev.Audience.Roles {
		for id, s := range h.sessions {
			if s.authenticated && s.role == role {
				targets[id] = s
			}
		}
	}
	for _, userID := range ev.Audience.UserIDs {
		live := h.byUser[userID]
		if len(live) == 0 {
			h.enqueueOfflineLocked(userID, ev)
			continue
		}
		for id, s := range live {
			targets[id] = s
		}
	}
	for _, s := range targets {
		h.deliverLocked(s, ev)
	}
	h.mu.Unlock()

	if h.sink != nil {
		if err := h.sink.Publish(ev); err != nil {
			h.logger.Warn("event relay publish failed",
				zap.String("eventId", ev.ID),
				zap.String("eventType", ev.Type),
				zap.Error(err),
			)
		}
	}
}

// BroadcastEmergency pushes an alert:emergency event to the responder roles.
// This is the one path where raw coordinates leave the server.
func (h *Hub) BroadcastEmergency(rec emergency.Record) {
	h.Broadcast(NewEvent("alert:emergency", map[string]interface{}{
		"emergencyId": rec.ID,
		"driverId":    rec.DriverID,
		"deliveryId":  rec.DeliveryID,
		"emergency":   string(rec.Type),
		"location":    rec.Location,
		"triggeredAt": rec.TriggeredAt,
		"status":      string(rec.Status),
	}, Audience{
		Roles: []access.Role{access.RoleSecurityOfficer, access.RoleAdmin, access.RoleDispatcher},
	}))
}

// deliverLocked pushes ev onto the session's send channel. A full channel
// means the client stopped reading; the session is cut and the event lands in
// its user's offline queue.
func (h *Hub) deliverLocked(s *Session, ev Event) {
	if s.closed {
		return
	}
	select {
	case s.send <- frame{kind: frameEvent, event: ev}:
		h.sent++
	default:
		h.logger.Warn("session send buffer full, disconnecting",
			zap.String("sessionId", s.ID),
			zap.String("userId", s.userID),
		)
		h.detachLocked(s)
		if s.userID != "" {
			h.enqueueOfflineLocked(s.userID, ev)
		}
	}
}

func (h *Hub) enqueueOfflineLocked(userID string, ev Event) {
	q := h.offline[userID]
	if len(q) >= OfflineQueueCap {
		h.logger.Warn("offline queue full, dropping oldest event",
			zap.String("userId", userID),
			zap.String("droppedEventId", q[0].ID),
		)
		q = q[1:]
		h.dropped++
	}
	h.offline[userID] = append(q, ev)
	h.queued++
}

// Connect registers a new unauthenticated session. When conn is non-nil the
// read and write pumps are started.
func (h *Hub) Connect(conn wsConn) *Session {
	s := newSession(h, conn)
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	if conn != nil {
		go s.writePump()
		go s.readPump()
	}
	return s
}

// Disconnect removes the session from every index and closes its outbound
// channel. Events still buffered for an authenticated session are moved to
// the user's offline queue in order.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	h.detachLocked(s)
}

func (h *Hub) detachLocked(s *Session) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.sessions, s.ID)
	if s.userID != "" {
		if live := h.byUser[s.userID]; live != nil {
			delete(live, s.ID)
			if len(live) == 0 {
				delete(h.byUser, s.userID)
			}
		}
	}
	for deliveryID := range s.subscriptions {
		h.leaveRoomLocked(s, deliveryID)
	}
drain:
	for {
		select {
		case f := <-s.send:
			if f.kind == frameEvent && s.userID != "" {
				h.enqueueOfflineLocked(s.userID, f.event)
			}
		default:
			break drain
		}
	}
	close(s.send)
}

func (h *Hub) leaveRoomLocked(s *Session, deliveryID string) {
	if room := h.rooms[deliveryID]; room != nil {
		delete(room, s.ID)
		if len(room) == 0 {
			delete(h.rooms, deliveryID)
		}
	}
	delete(s.subscriptions, deliveryID)
}

// Authenticate binds the session to a verified identity and replays the
// user's offline queue in arrival order.
func (h *Hub) Authenticate(s *Session, ident access.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.userID = ident.UserID
	s.role = ident.Role
	s.authenticated = true
	live := h.byUser[ident.UserID]
	if live == nil {
		live = make(map[string]*Session)
		h.byUser[ident.UserID] = live
	}
	live[s.ID] = s

	s.reply("authenticated", map[string]interface{}{"success": true, "userId": ident.UserID})
	backlog := h.offline[ident.UserID]
	delete(h.offline, ident.UserID)
	for _, ev := range backlog {
		h.deliverLocked(s, ev)
	}
	if len(backlog) > 0 {
		h.logger.Info("replayed offline events",
			zap.String("userId", ident.UserID),
			zap.Int("count", len(backlog)),
		)
	}
}

// Subscribe joins the session to a delivery room.
func (h *Hub) Subscribe(s *Session, deliveryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed || deliveryID == "" {
		return
	}
	room := h.rooms[deliveryID]
	if room == nil {
		room = make(map[string]*Session)
		h.rooms[deliveryID] = room
	}
	room[s.ID] = s
	s.subscriptions[deliveryID] = struct{}{}
	s.reply("subscribed", map[string]interface{}{"deliveryId": deliveryID})
}

// Unsubscribe removes the session from a delivery room.
func (h *Hub) Unsubscribe(s *Session, deliveryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	h.leaveRoomLocked(s, deliveryID)
	s.reply("unsubscribed", map[string]interface{}{"deliveryId": deliveryID})
}

// Stats reports hub occupancy and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{
		Sessions:      len(h.sessions),
		Rooms:         len(h.rooms),
		QueuedUsers:   len(h.offline),
		EventsSent:    h.sent,
		EventsQueued:  h.queued,
		EventsDropped: h.dropped,
	}
	for _, s := range h.sessions {
		if s.authenticated {
			st.Authenticated++
		}
	}
	for _, q := range h.offline {
		st.QueuedEvents += len(q)
	}
	return st
}

// OfflineBacklog returns a copy of the queued events for a user. Read-only,
// used by the stats endpoint and tests.
func (h *Hub) OfflineBacklog(userID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.offline[userID]
	out := make([]Event, len(q))
	copy(out, q)
	return out
}

// PruneOffline drops queued events older than cutoff.
func (h *Hub) PruneOffline(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for userID, q := range h.offline {
		kept := q[:0]
		for _, ev := range q {
			if ev.At.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(h.offline, userID)
		} else {
			h.offline[userID] = kept
		}
	}
	return removed
}
