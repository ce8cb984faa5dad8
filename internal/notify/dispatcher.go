// Package notify delivers encrypted notifications over pluggable channel
// adapters with bounded retries. Delivery is at-least-once; duplicate
// concurrent dispatches of the same notification id are collapsed.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/crypto"
	"github.com/123ashny/KENYASHIP/internal/emergency"
)

// DefaultRetrySchedule is the wait before each retry attempt.
var DefaultRetrySchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Dispatcher owns notification records, preferences, rate buckets, and the
// adapter registry.
type Dispatcher struct {
	mu sync.Mutex

	cipher   *crypto.Cipher
	audit    *access.Log
	logger   *zap.Logger
	adapters map[Channel]Adapter
	records  map[string]*Record
	byUser   map[string][]string
	prefs    map[string]*Preferences
	buckets  map[string]*bucket

	retrySchedule []time.Duration
	group         singleflight.Group
	wg            sync.WaitGroup
}

// NewDispatcher builds a dispatcher with the default retry schedule. Register
// adapters before the first Send.
func NewDispatcher(cipher *crypto.Cipher, audit *access.Log, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cipher:        cipher,
		audit:         audit,
		logger:        logger,
		adapters:      make(map[Channel]Adapter),
		records:       make(map[string]*Record),
		byUser:        make(map[string][]string),
		prefs:         make(map[string]*Preferences),
		buckets:       make(map[string]*bucket),
		retrySchedule: DefaultRetrySchedule,
	}
}

// RegisterAdapter registers a transport. A nil adapter is skipped so tests
// can register conditionally.
func (d *Dispatcher) RegisterAdapter(a Adapter) {
	if a == nil {
		return
	}
	d.mu.Lock()
	d.adapters[a.Name()] = a
	d.mu.Unlock()
	d.logger.Info("notification channel registered", zap.String("channel", string(a.Name())))
}

// SetRetrySchedule overrides the retry waits. Used by tests to avoid real
// five-minute sleeps.
func (d *Dispatcher) SetRetrySchedule(schedule []time.Duration) {
	d.mu.Lock()
	d.retrySchedule = append([]time.Duration(nil), schedule...)
	d.mu.Unlock()
}

// Send encrypts and dispatches a notification. The first transport attempt
// happens on the caller's context; retries run on a background task.
func (d *Dispatcher) Send(ctx context.Context, actor access.Identity, recipientID string, channel Channel, templateID, content string, priority Priority) (Record, error) {
	if recipientID == "" || content == "" {
		return Record{}, fmt.Errorf("%w: recipient and content are required", ErrInvalidInput)
	}
	if priority == "" {
		priority = PriorityNormal
	}

	d.mu.Lock()
	if _, ok := d.adapters[channel]; !ok {
		d.mu.Unlock()
		return Record{}, ErrUnknownChannel
	}
	if !d.channelAllowedLocked(recipientID, channel, priority) {
		d.mu.Unlock()
		d.audit.Record(actor, "notification.send", "notification", "", access.ResultDenied,
			map[string]interface{}{"channel": string(channel), "reason": "preferences"})
		return Record{}, ErrChannelNotAllowed
	}
	if !d.takeTokenLocked(recipientID, channel) {
		d.mu.Unlock()
		return Record{}, ErrRateLimited
	}
	d.mu.Unlock()

	ct, err := d.cipher.Encrypt([]byte(content), recipientID)
	if err != nil {
		return Record{}, fmt.Errorf("encrypting notification content: %w", err)
	}

	rec := &Record{
		ID:                uuid.NewString(),
		RecipientID:       recipientID,
		Channel:           channel,
		Priority:          priority,
		TemplateID:        templateID,
		ContentCiphertext: ct,
		ScheduledAt:       time.Now().UTC(),
		Status:            StatusPending,
		MaxRetries:        MaxRetries,
	}

	d.mu.Lock()
	d.records[rec.ID] = rec
	d.byUser[recipientID] = append(d.byUser[recipientID], rec.ID)
	d.mu.Unlock()

	d.audit.Record(actor, "notification.send", "notification", rec.ID, access.ResultSuccess,
		map[string]interface{}{"channel": string(channel), "priority": string(priority)})

	d.dispatch(rec.ID, content)
	return d.snapshot(rec.ID), nil
}

// dispatch runs the delivery loop for a record. Concurrent dispatches of the
// same id collapse into one flight.
func (d *Dispatcher) dispatch(id, plaintext string) {
	d.group.Do(id, func() (interface{}, error) {
		if d.attempt(id, plaintext) {
			return nil, nil
		}
		// First attempt failed; hand the schedule to a background task.
		d.wg.Add(1)
		go d.retryLoop(id, plaintext)
		return nil, nil
	})
}

// attempt performs one adapter call and updates the record. Returns true on
// success or terminal failure (no further retries wanted).
func (d *Dispatcher) attempt(id, plaintext string) bool {
	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok || rec.Status != StatusPending {
		d.mu.Unlock()
		return true
	}
	adapter := d.adapters[rec.Channel]
	recipient := rec.RecipientID
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), AdapterTimeout)
	err := adapter.Send(ctx, recipient, plaintext)
	cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok = d.records[id]
	if !ok {
		return true
	}
	if err == nil {
		rec.Status = StatusSent
		rec.SentAt = time.Now().UTC()
		return true
	}

	rec.FailureReason = err.Error()
	if rec.RetryCount >= rec.MaxRetries {
		rec.Status = StatusFailed
		d.logger.Error("notification failed after retries",
			zap.String("notificationId", id),
			zap.String("channel", string(rec.Channel)),
			zap.Int("retries", rec.RetryCount),
			zap.Error(err),
		)
		return true
	}
	d.logger.Warn("notification attempt failed",
		zap.String("notificationId", id),
		zap.Int("attempt", rec.RetryCount+1),
		zap.Error(err),
	)
	return false
}

func (d *Dispatcher) retryLoop(id, plaintext string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		rec, ok := d.records[id]
		if !ok || rec.Status != StatusPending || rec.RetryCount >= rec.MaxRetries {
			d.mu.Unlock()
			return
		}
		wait := d.retrySchedule[min(rec.RetryCount, len(d.retrySchedule)-1)]
		rec.RetryCount++
		d.mu.Unlock()

		time.Sleep(wait)
		if d.attempt(id, plaintext) {
			return
		}
	}
}

// Drain blocks until all background retry loops finish. Called on shutdown.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

// NotifyEmergency implements emergency.Notifier. Emergency notifications are
// critical priority and skip preference and rate-limit filters; the payload
// legitimately carries raw coordinates.
func (d *Dispatcher) NotifyEmergency(ctx context.Context, contact emergency.Contact, rec emergency.Record) (string, error) {
	channel := Channel(contact.Channel)
	if channel == "" {
		channel = ChannelSMS
	}

	d.mu.Lock()
	_, ok := d.adapters[channel]
	d.mu.Unlock()
	if !ok {
		return "", ErrUnknownChannel
	}

	recipient := contact.UserID
	if recipient == "" {
		recipient = contact.Phone
	}
	content := fmt.Sprintf("EMERGENCY (%s): driver %s at %.6f,%.6f — respond immediately",
		rec.Type, rec.DriverID, rec.Location.Lat, rec.Location.Lon)

	ct, err := d.cipher.Encrypt([]byte(content), recipient)
	if err != nil {
		return "", fmt.Errorf("encrypting emergency content: %w", err)
	}

	n := &Record{
		ID:                uuid.NewString(),
		RecipientID:       recipient,
		Channel:           channel,
		Priority:          PriorityCritical,
		TemplateID:        "emergency_alert",
		ContentCiphertext: ct,
		ScheduledAt:       time.Now().UTC(),
		Status:            StatusPending,
		MaxRetries:        MaxRetries,
	}
	d.mu.Lock()
	d.records[n.ID] = n
	d.byUser[recipient] = append(d.byUser[recipient], n.ID)
	d.mu.Unlock()

	d.dispatch(n.ID, content)
	return n.ID, nil
}

// MarkDelivered records the downstream delivery acknowledgement.
func (d *Dispatcher) MarkDelivered(id string) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	switch rec.Status {
	case StatusSent:
		rec.Status = StatusDelivered
		rec.DeliveredAt = time.Now().UTC()
	case StatusDelivered, StatusRead:
		// Already past this point; acknowledgements are idempotent.
	default:
		return Record{}, ErrInvalidTransition
	}
	return *rec, nil
}

// MarkRead records the read receipt.
func (d *Dispatcher) MarkRead(id string) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	switch rec.Status {
	case StatusDelivered:
		rec.Status = StatusRead
		rec.ReadAt = time.Now().UTC()
	case StatusRead:
	default:
		return Record{}, ErrInvalidTransition
	}
	return *rec, nil
}

// Get returns a notification by id.
func (d *Dispatcher) Get(id string) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// ListForUser returns a recipient's notifications in creation order.
func (d *Dispatcher) ListForUser(userID string) []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := d.byUser[userID]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, *d.records[id])
	}
	return out
}

// SetPreferences replaces a recipient's channel preferences.
func (d *Dispatcher) SetPreferences(userID string, prefs Preferences) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := prefs
	d.prefs[userID] = &p
}

// GetPreferences returns a recipient's preferences, if set.
func (d *Dispatcher) GetPreferences(userID string) (Preferences, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.prefs[userID]
	if !ok {
		return Preferences{}, false
	}
	return *p, true
}

// PruneRead drops read notifications older than cutoff.
func (d *Dispatcher) PruneRead(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, rec := range d.records {
		if rec.Status == StatusRead && !rec.ReadAt.IsZero() && rec.ReadAt.Before(cutoff) {
			delete(d.records, id)
			n++
		}
	}
	return n
}

// channelAllowedLocked applies preference and quiet-hour filters. Critical
// priority bypasses both.
func (d *Dispatcher) channelAllowedLocked(recipientID string, channel Channel, priority Priority) bool {
	if priority == PriorityCritical {
		return true
	}
	prefs, ok := d.prefs[recipientID]
	if !ok {
		return true
	}
	allowed := false
	for _, ch := range prefs.Channels {
		if ch == channel {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if prefs.Quiet != nil && inQuietWindow(time.Now(), prefs.Quiet) {
		return false
	}
	return true
}

// takeTokenLocked consumes one token from the recipient+channel bucket.
// Buckets reset lazily on first access past the window boundary.
func (d *Dispatcher) takeTokenLocked(recipientID string, channel Channel) bool {
	key := recipientID + ":" + string(channel)
	now := time.Now()
	b, ok := d.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(RateLimitWindow)}
		d.buckets[key] = b
	}
	if b.count >= RateLimitMax {
		return false
	}
	b.count++
	return true
}

func inQuietWindow(now time.Time, q *QuietHours) bool {
	start, err1 := time.Parse("15:04", q.Start)
	end, err2 := time.Parse("15:04", q.End)
	if err1 != nil || err2 != nil {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s <= e {
		return cur >= s && cur < e
	}
	// Window wraps midnight.
	return cur >= s || cur < e
}

// snapshot returns a copy of the record's current state.
func (d *Dispatcher) snapshot(id string) Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[id]; ok {
		return *rec
	}
	return Record{}
}
