package realtime

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/emergency"
	"github.com/123ashny/KENYASHIP/internal/geo"
)

// drain empties the session's outbound channel without blocking.
func drain(s *Session) []frame {
	var out []frame
	for {
		select {
		case f := <-s.send:
			out = append(out, f)
		default:
			return out
		}
	}
}

func events(frames []frame) []Event {
	var out []Event
	for _, f := range frames {
		if f.kind == frameEvent {
			out = append(out, f.event)
		}
	}
	return out
}

func replies(frames []frame) []outMessage {
	var out []outMessage
	for _, f := range frames {
		if f.kind == frameReply {
			out = append(out, f.reply)
		}
	}
	return out
}

type stubVerifier struct {
	ident access.Identity
	err   error
}

func (v stubVerifier) ParseToken(string) (access.Identity, error) {
	return v.ident, v.err
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(zaptest.NewLogger(t))
}

func connectAs(h *Hub, userID string, role access.Role) *Session {
	s := h.Connect(nil)
	h.Authenticate(s, access.Identity{UserID: userID, Role: role})
	drain(s)
	return s
}

func TestOfflineQueueBound(t *testing.T) {
	h := newTestHub(t)

	for i := 0; i < OfflineQueueCap+1; i++ {
		h.Broadcast(NewEvent("delivery:status", map[string]interface{}{"seq": i}, Audience{UserIDs: []string{"u1"}}))
	}

	backlog := h.OfflineBacklog("u1")
	require.Len(t, backlog, OfflineQueueCap)
	assert.Equal(t, 1, backlog[0].Payload["seq"], "oldest event was dropped")
	assert.Equal(t, OfflineQueueCap, backlog[len(backlog)-1].Payload["seq"])

	st := h.Stats()
	assert.Equal(t, 1, st.EventsDropped)
	assert.Equal(t, OfflineQueueCap+1, st.EventsQueued)
	assert.Equal(t, 1, st.QueuedUsers)
}

func TestAuthenticateReplaysBacklogInOrder(t *testing.T) {
	h := newTestHub(t)
	for i := 0; i < 3; i++ {
		h.Broadcast(NewEvent("delivery:status", map[string]interface{}{"seq": i}, Audience{UserIDs: []string{"u1"}}))
	}

	s := h.Connect(nil)
	h.Authenticate(s, access.Identity{UserID: "u1", Role: access.RoleCustomer})

	frames := drain(s)
	got := events(frames)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, i, ev.Payload["seq"])
	}

	acks := replies(frames)
	require.NotEmpty(t, acks)
	assert.Equal(t, "authenticated", acks[0].Type)

	assert.Empty(t, h.OfflineBacklog("u1"), "queue is cleared after replay")
	assert.Zero(t, h.Stats().QueuedUsers)
}

func TestBroadcastDedup(t *testing.T) {
	h := newTestHub(t)
	s := connectAs(h, "u1", access.RoleDriver)
	h.Subscribe(s, "D1")
	drain(s)

	// The session matches the room, the user id, and the role; it still gets
	// the event exactly once.
	h.Broadcast(NewEvent("delivery:status", nil, Audience{
		DeliveryID: "D1",
		UserIDs:    []string{"u1"},
		Roles:      []access.Role{access.RoleDriver},
	}))

	assert.Len(t, events(drain(s)), 1)
}

func TestRoomSubscription(t *testing.T) {
	h := newTestHub(t)
	inRoom := connectAs(h, "u1", access.RoleCustomer)
	outOfRoom := connectAs(h, "u2", access.RoleCustomer)
	h.Subscribe(inRoom, "D1")

	acks := replies(drain(inRoom))
	require.Len(t, acks, 1)
	assert.Equal(t, "subscribed", acks[0].Type)
	assert.Equal(t, "D1", acks[0].Data["deliveryId"])

	h.Broadcast(NewEvent("location:update", map[string]interface{}{"zoneId": "z-1"}, Audience{DeliveryID: "D1"}))
	assert.Len(t, events(drain(inRoom)), 1)
	assert.Empty(t, events(drain(outOfRoom)))

	h.Unsubscribe(inRoom, "D1")
	drain(inRoom)
	h.Broadcast(NewEvent("location:update", nil, Audience{DeliveryID: "D1"}))
	assert.Empty(t, events(drain(inRoom)))
}

func TestRoleBroadcast(t *testing.T) {
	h := newTestHub(t)
	officer := connectAs(h, "officer-1", access.RoleSecurityOfficer)
	customer := connectAs(h, "customer-1", access.RoleCustomer)
	anonymous := h.Connect(nil)

	h.Broadcast(NewEvent("alert:security", nil, Audience{Roles: []access.Role{access.RoleSecurityOfficer}}))

	assert.Len(t, events(drain(officer)), 1)
	assert.Empty(t, events(drain(customer)))
	assert.Empty(t, events(drain(anonymous)))
}

func TestBroadcastEmergencyCarriesRawLocation(t *testing.T) {
	h := newTestHub(t)
	officer := connectAs(h, "officer-1", access.RoleSecurityOfficer)

	loc := geo.Coordinates{Lat: -1.2195, Lon: 36.8880}
	h.BroadcastEmergency(emergency.Record{
		ID:       "e-1",
		DriverID: "driver-7",
		Type:     emergency.TypePanic,
		Location: loc,
		Status:   emergency.StatusResponding,
	})

	got := events(drain(officer))
	require.Len(t, got, 1)
	assert.Equal(t, "alert:emergency", got[0].Type)
	assert.Equal(t, loc, got[0].Payload["location"])
}

func TestDisconnectRequeuesPendingEvents(t *testing.T) {
	h := newTestHub(t)
	s := connectAs(h, "u1", access.RoleCustomer)

	h.Broadcast(NewEvent("delivery:status", map[string]interface{}{"seq": 0}, Audience{UserIDs: []string{"u1"}}))
	h.Disconnect(s)

	backlog := h.OfflineBacklog("u1")
	require.Len(t, backlog, 1)
	assert.Equal(t, 0, backlog[0].Payload["seq"])
	assert.Zero(t, h.Stats().Sessions)
}

func TestSlowClientIsCut(t *testing.T) {
	h := newTestHub(t)
	connectAs(h, "u1", access.RoleCustomer)

	// Nothing reads s.send, so the buffer fills and the next event cuts the
	// session and lands offline.
	for i := 0; i < sendBuffer+1; i++ {
		h.Broadcast(NewEvent("delivery:status", map[string]interface{}{"seq": i}, Audience{UserIDs: []string{"u1"}}))
	}

	assert.Zero(t, h.Stats().Sessions)
	backlog := h.OfflineBacklog("u1")
	require.Len(t, backlog, OfflineQueueCap)
	// Buffered events are requeued in order; the queue cap then trims the
	// oldest ones.
	assert.Equal(t, sendBuffer+1-OfflineQueueCap, backlog[0].Payload["seq"])
	assert.Equal(t, sendBuffer, backlog[len(backlog)-1].Payload["seq"])
}

func TestHandleMessage_Ping(t *testing.T) {
	h := newTestHub(t)
	s := h.Connect(nil)

	s.HandleMessage([]byte(`{"type":"ping"}`))

	acks := replies(drain(s))
	require.Len(t, acks, 1)
	assert.Equal(t, "pong", acks[0].Type)
	ts, ok := acks[0].Data["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)
}

func TestHandleMessage_Authenticate(t *testing.T) {
	h := newTestHub(t)
	h.SetVerifier(stubVerifier{ident: access.Identity{UserID: "u1", Role: access.RoleDriver}})
	s := h.Connect(nil)

	s.HandleMessage([]byte(`{"type":"authenticate","token":"valid"}`))

	acks := replies(drain(s))
	require.Len(t, acks, 1)
	assert.Equal(t, "authenticated", acks[0].Type)
	assert.Equal(t, "u1", acks[0].Data["userId"])
	assert.Equal(t, 1, h.Stats().Authenticated)
}

func TestHandleMessage_BadToken(t *testing.T) {
	h := newTestHub(t)
	h.SetVerifier(stubVerifier{err: errors.New("bad token")})
	s := h.Connect(nil)

	s.HandleMessage([]byte(`{"type":"authenticate","token":"nope"}`))

	acks := replies(drain(s))
	require.Len(t, acks, 1)
	assert.Equal(t, "error", acks[0].Type)
	assert.Equal(t, "UNAUTHENTICATED", acks[0].Data["code"])
	assert.Zero(t, h.Stats().Authenticated)
}

func TestHandleMessage_Malformed(t *testing.T) {
	h := newTestHub(t)
	s := h.Connect(nil)

	s.HandleMessage([]byte(`{not json`))
	acks := replies(drain(s))
	require.Len(t, acks, 1)
	assert.Equal(t, "error", acks[0].Type)
	assert.Equal(t, "BAD_MESSAGE", acks[0].Data["code"])

	s.HandleMessage([]byte(`{"type":"teleport"}`))
	acks = replies(drain(s))
	require.Len(t, acks, 1)
	assert.Equal(t, "UNKNOWN_TYPE", acks[0].Data["code"])
}

type recordingSink struct {
	published []Event
	err       error
}

func (r *recordingSink) Publish(ev Event) error {
	if r.err != nil {
		return r.err
	}
	r.published = append(r.published, ev)
	return nil
}

func TestSinkMirrorsBroadcasts(t *testing.T) {
	h := newTestHub(t)
	sink := &recordingSink{}
	h.SetSink(sink)

	ev := NewEvent("delivery:status", nil, Audience{DeliveryID: "D1"})
	h.Broadcast(ev)

	require.Len(t, sink.published, 1)
	assert.Equal(t, ev.ID, sink.published[0].ID)
}

func TestSinkFailureDoesNotBlockDelivery(t *testing.T) {
	h := newTestHub(t)
	h.SetSink(&recordingSink{err: errors.New("relay down")})
	s := connectAs(h, "u1", access.RoleCustomer)

	h.Broadcast(NewEvent("delivery:status", nil, Audience{UserIDs: []string{"u1"}}))
	assert.Len(t, events(drain(s)), 1)
}

func TestPruneOffline(t *testing.T) {
	h := newTestHub(t)
	for i := 0; i < 3; i++ {
		h.Broadcast(NewEvent("delivery:status", map[string]interface{}{"seq": i}, Audience{UserIDs: []string{"u1"}}))
	}
	h.mu.Lock()
	h.offline["u1"][0].At = time.Now().UTC().Add(-48 * time.Hour)
	h.mu.Unlock()

	removed := h.PruneOffline(time.Now().UTC().Add(-24 * time.Hour))
	assert.Equal(t, 1, removed)
	assert.Len(t, h.OfflineBacklog("u1"), 2)
}

func TestStats(t *testing.T) {
	h := newTestHub(t)
	authed := connectAs(h, "u1", access.RoleCustomer)
	h.Connect(nil)
	h.Subscribe(authed, "D1")
	h.Broadcast(NewEvent("x", nil, Audience{UserIDs: []string{"offline-user"}}))

	st := h.Stats()
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 1, st.Authenticated)
	assert.Equal(t, 1, st.Rooms)
	assert.Equal(t, 1, st.QueuedUsers)
	assert.Equal(t, 1, st.QueuedEvents)
}

func TestEventIdsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		ev := NewEvent("x", nil, Audience{})
		_, dup := seen[ev.ID]
		require.False(t, dup, fmt.Sprintf("duplicate id at %d", i))
		seen[ev.ID] = struct{}{}
	}
}
