// Package emergency is the privileged exception to the privacy model: when a
// life may be at risk, raw coordinates are retained and pushed to responders.
// No other path in the system may carry a raw fix.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/geo"
)

// Type classifies the trigger.
type Type string

const (
	TypePanic    Type = "panic_button"
	TypeAccident Type = "accident_detected"
)

// Status is the emergency lifecycle state.
type Status string

const (
	StatusTriggered    Status = "triggered"
	StatusResponding   Status = "responding"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

const (
	// impactThresholdG is the g-force magnitude that reads as a crash.
	impactThresholdG = 4.0
	// readingsCap bounds the per-driver accelerometer window.
	readingsCap = 30
	// notifyTimeout caps the background contact fan-out per emergency.
	notifyTimeout = 10 * time.Second
)

var (
	// ErrNotFound is returned for unknown emergency ids.
	ErrNotFound = errors.New("emergency not found")
	// ErrInvalidInput rejects malformed parameters.
	ErrInvalidInput = errors.New("invalid input")
)

// Record is an emergency case file. Location holds raw coordinates — this is
// the single place in the data model where they persist.
type Record struct {
	ID            string          `json:"id"`
	DriverID      string          `json:"driverId"`
	DeliveryID    string          `json:"deliveryId,omitempty"`
	Type          Type            `json:"type"`
	Location      geo.Coordinates `json:"location"`
	TriggeredAt   time.Time       `json:"triggeredAt"`
	Status        Status          `json:"status"`
	Notifications []string        `json:"notifications"`
	ResolvedAt    time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy    string          `json:"resolvedBy,omitempty"`
}

// Reading is one accelerometer sample.
type Reading struct {
	X  float64   `json:"x"`
	Y  float64   `json:"y"`
	Z  float64   `json:"z"`
	At time.Time `json:"t"`
}

// Magnitude returns the g-force magnitude of the sample.
func (r Reading) Magnitude() float64 {
	return math.Sqrt(r.X*r.X + r.Y*r.Y + r.Z*r.Z)
}

// Contact is an emergency contact configured per driver.
type Contact struct {
	Name     string `json:"name"`
	UserID   string `json:"userId,omitempty"`
	Phone    string `json:"phone"`
	Channel  string `json:"channel"`
	Relation string `json:"relation,omitempty"`
}

// Notifier delivers emergency notifications; implemented by the notification
// dispatcher.
type Notifier interface {
	NotifyEmergency(ctx context.Context, contact Contact, rec Record) (notificationID string, err error)
}

// Broadcaster publishes the alert:emergency event to the responder roles;
// implemented by the realtime hub.
type Broadcaster interface {
	BroadcastEmergency(rec Record)
}

// Orchestrator owns emergency state and the response fan-out.
type Orchestrator struct {
	mu sync.Mutex
	wg sync.WaitGroup

	records  map[string]*Record
	active   map[string]string // driverID → non-resolved record id
	readings map[string][]Reading
	contacts map[string][]Contact

	notifier    Notifier
	broadcaster Broadcaster
	audit       *access.Log
	logger      *zap.Logger
}

// NewOrchestrator wires the orchestrator. notifier and broadcaster may be nil
// in tests; fan-out steps are skipped when absent.
func NewOrchestrator(notifier Notifier, broadcaster Broadcaster, audit *access.Log, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		records:     make(map[string]*Record),
		active:      make(map[string]string),
		readings:    make(map[string][]Reading),
		contacts:    make(map[string][]Contact),
		notifier:    notifier,
		broadcaster: broadcaster,
		audit:       audit,
		logger:      logger,
	}
}

// Panic handles the panic button. Idempotent while an emergency for the
// driver is non-resolved: the existing record comes back unchanged.
func (o *Orchestrator) Panic(actor access.Identity, driverID string, loc geo.Coordinates, deliveryID string) (Record, bool, error) {
	if driverID == "" {
		return Record{}, false, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	if !loc.Valid() {
		return Record{}, false, fmt.Errorf("%w: %v", ErrInvalidInput, geo.ErrOutOfRange)
	}

	o.mu.Lock()
	if id, ok := o.active[driverID]; ok {
		existing := *o.records[id]
		o.mu.Unlock()
		return existing, false, nil
	}
	rec := o.createLocked(driverID, deliveryID, TypePanic, loc)
	o.mu.Unlock()

	o.audit.Record(actor, "emergency.panic", "emergency", rec.ID, access.ResultSuccess,
		map[string]interface{}{"deliveryId": deliveryID})
	out := o.initiateResponse(rec.ID)
	return out, true, nil
}

// Accelerometer ingests an impact sample. A g-force at or above the threshold
// opens an accident emergency unless one is already active for the driver.
func (o *Orchestrator) Accelerometer(actor access.Identity, driverID string, reading Reading, loc geo.Coordinates, deliveryID string) (*Record, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}

	o.mu.Lock()
	window := append(o.readings[driverID], reading)
	if len(window) > readingsCap {
		window = window[len(window)-readingsCap:]
	}
	o.readings[driverID] = window

	if reading.Magnitude() < impactThresholdG {
		o.mu.Unlock()
		return nil, nil
	}
	if _, ok := o.active[driverID]; ok {
		o.mu.Unlock()
		return nil, nil
	}
	if !loc.Valid() {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, geo.ErrOutOfRange)
	}
	rec := o.createLocked(driverID, deliveryID, TypeAccident, loc)
	o.mu.Unlock()

	o.audit.Record(actor, "emergency.impact", "emergency", rec.ID, access.ResultSuccess,
		map[string]interface{}{"gforce": reading.Magnitude()})
	out := o.initiateResponse(rec.ID)
	return &out, nil
}

// Acknowledge marks responders as engaged.
func (o *Orchestrator) Acknowledge(actor access.Identity, id string) (Record, error) {
	o.mu.Lock()
	rec, ok := o.records[id]
	if !ok {
		o.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if rec.Status == StatusTriggered || rec.Status == StatusResponding {
		rec.Status = StatusAcknowledged
	}
	out := *rec
	o.mu.Unlock()

	o.audit.Record(actor, "emergency.acknowledge", "emergency", id, access.ResultSuccess, nil)
	return out, nil
}

// Resolve closes the case and clears the driver's active-emergency slot.
func (o *Orchestrator) Resolve(actor access.Identity, id string) (Record, error) {
	o.mu.Lock()
	rec, ok := o.records[id]
	if !ok {
		o.mu.Unlock()
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusResolved {
		rec.Status = StatusResolved
		rec.ResolvedAt = time.Now().UTC()
		rec.ResolvedBy = actor.UserID
		delete(o.active, rec.DriverID)
	}
	out := *rec
	o.mu.Unlock()

	o.audit.Record(actor, "emergency.resolve", "emergency", id, access.ResultSuccess, nil)
	return out, nil
}

// Get returns an emergency by id. Reading a record exposes raw coordinates,
// so the read is audited.
func (o *Orchestrator) Get(actor access.Identity, id string) (Record, error) {
	o.mu.Lock()
	rec, ok := o.records[id]
	if !ok {
		o.mu.Unlock()
		return Record{}, ErrNotFound
	}
	out := *rec
	o.mu.Unlock()

	o.audit.Record(actor, "emergency.read", "emergency", id, access.ResultSuccess, nil)
	return out, nil
}

// ActiveForDriver returns the driver's non-resolved emergency, if any.
func (o *Orchestrator) ActiveForDriver(actor access.Identity, driverID string) (Record, bool) {
	o.mu.Lock()
	id, ok := o.active[driverID]
	if !ok {
		o.mu.Unlock()
		return Record{}, false
	}
	out := *o.records[id]
	o.mu.Unlock()

	o.audit.Record(actor, "emergency.read", "emergency", id, access.ResultSuccess, nil)
	return out, true
}

// List returns every emergency, newest first.
func (o *Orchestrator) List(actor access.Identity) []Record {
	o.mu.Lock()
	out := make([]Record, 0, len(o.records))
	for _, rec := range o.records {
		out = append(out, *rec)
	}
	o.mu.Unlock()

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].TriggeredAt.After(out[i].TriggeredAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	o.audit.Record(actor, "emergency.list", "emergency", "", access.ResultSuccess, nil)
	return out
}

// SetContacts replaces a driver's emergency contact list.
func (o *Orchestrator) SetContacts(actor access.Identity, driverID string, contacts []Contact) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}
	o.mu.Lock()
	o.contacts[driverID] = append([]Contact(nil), contacts...)
	o.mu.Unlock()
	o.audit.Record(actor, "emergency.contacts.set", "emergency_contact", driverID, access.ResultSuccess,
		map[string]interface{}{"count": len(contacts)})
	return nil
}

// Contacts returns a driver's emergency contacts.
func (o *Orchestrator) Contacts(driverID string) []Contact {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Contact(nil), o.contacts[driverID]...)
}

// PruneBefore drops resolved emergencies older than cutoff.
func (o *Orchestrator) PruneBefore(cutoff time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, rec := range o.records {
		if rec.Status == StatusResolved && rec.ResolvedAt.Before(cutoff) {
			delete(o.records, id)
			n++
		}
	}
	return n
}

func (o *Orchestrator) createLocked(driverID, deliveryID string, t Type, loc geo.Coordinates) Record {
	rec := &Record{
		ID:            uuid.NewString(),
		DriverID:      driverID,
		DeliveryID:    deliveryID,
		Type:          t,
		Location:      loc,
		TriggeredAt:   time.Now().UTC(),
		Status:        StatusTriggered,
		Notifications: []string{},
	}
	o.records[rec.ID] = rec
	o.active[driverID] = rec.ID
	return *rec
}

// initiateResponse moves the record to responding, broadcasts to the
// responder roles, and hands contact notification to a background worker so
// the triggering request never waits on delivery channels.
func (o *Orchestrator) initiateResponse(id string) Record {
	o.mu.Lock()
	rec, ok := o.records[id]
	if !ok {
		o.mu.Unlock()
		return Record{}
	}
	rec.Status = StatusResponding
	snapshot := *rec
	contacts := append([]Contact(nil), o.contacts[rec.DriverID]...)
	o.mu.Unlock()

	o.logger.Error("emergency response initiated",
		zap.String("emergencyId", snapshot.ID),
		zap.String("type", string(snapshot.Type)),
		zap.String("driverId", snapshot.DriverID),
	)

	if o.broadcaster != nil {
		o.broadcaster.BroadcastEmergency(snapshot)
	}

	if o.notifier != nil && len(contacts) > 0 {
		o.wg.Add(1)
		go o.notifyContacts(id, snapshot, contacts)
	}
	return snapshot
}

// notifyContacts runs on its own goroutine. Notification ids are appended to
// the record as they come back; failures are logged and skipped.
func (o *Orchestrator) notifyContacts(id string, snapshot Record, contacts []Contact) {
	defer o.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	var sent []string
	for _, contact := range contacts {
		nid, err := o.notifier.NotifyEmergency(ctx, contact, snapshot)
		if err != nil {
			o.logger.Error("emergency notification failed",
				zap.String("emergencyId", snapshot.ID),
				zap.Error(err),
			)
			continue
		}
		sent = append(sent, nid)
	}
	if len(sent) == 0 {
		return
	}
	o.mu.Lock()
	if rec, ok := o.records[id]; ok {
		rec.Notifications = append(rec.Notifications, sent...)
	}
	o.mu.Unlock()
}

// Drain blocks until in-flight contact notifications have finished. Called
// on shutdown.
func (o *Orchestrator) Drain() {
	o.wg.Wait()
}
