// Package securitymon watches the stream of obfuscated fixes for cargo and
// driver safety anomalies. It never sees raw coordinates — every detector
// works on zone ids and timing alone.
package securitymon

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/123ashny/KENYASHIP/internal/access"
	"github.com/123ashny/KENYASHIP/internal/location"
)

const (
	historyCap = 100

	// Unusual stop: ≥3 stationary fixes among the last 10 spanning ≥15 min.
	stopWindow   = 10
	stopMinCount = 3
	stopMinSpan  = 15 * time.Minute
	stopSuppress = 30 * time.Minute

	// Rapid zone changes: 5 distinct zones among the last 5 fixes within 5 min.
	rapidWindow      = 5
	rapidMinDistinct = 5
	rapidSpan        = 5 * time.Minute

	// Communication loss thresholds.
	commLossAfter    = 10 * time.Minute
	commLossCritical = 30 * time.Minute
	commLossSuppress = 15 * time.Minute
)

// AlertSink receives freshly raised alerts (the broadcaster, in production).
type AlertSink func(alert Alert)

// Monitor owns per-driver location history, expected routes, and the alert
// store.
type Monitor struct {
	mu sync.Mutex

	histories      map[string][]historyEntry // driverID → bounded FIFO
	lastSeen       map[string]driverDelivery // driverID → last fix
	expectedRoutes map[string][]string       // deliveryID → zone sequence
	alerts         map[string]*Alert
	alertOrder     []string
	lastAlertAt    map[string]time.Time // driverID+type → last emission

	audit  *access.Log
	logger *zap.Logger

	// OnAlert, when set, is invoked outside the lock for each new alert.
	OnAlert AlertSink
}

type driverDelivery struct {
	DeliveryID string
	At         time.Time
}

// NewMonitor builds an empty monitor.
func NewMonitor(audit *access.Log, logger *zap.Logger) *Monitor {
	return &Monitor{
		histories:      make(map[string][]historyEntry),
		lastSeen:       make(map[string]driverDelivery),
		expectedRoutes: make(map[string][]string),
		alerts:         make(map[string]*Alert),
		lastAlertAt:    make(map[string]time.Time),
		audit:          audit,
		logger:         logger,
	}
}

// RegisterExpectedRoute stores the zone sequence a delivery is expected to
// traverse. Route deviation detection is inert until this is called.
func (m *Monitor) RegisterExpectedRoute(actor access.Identity, deliveryID string, zones []string) {
	m.mu.Lock()
	m.expectedRoutes[deliveryID] = append([]string(nil), zones...)
	m.mu.Unlock()
	m.audit.Record(actor, "security.route.register", "expected_route", deliveryID, access.ResultSuccess,
		map[string]interface{}{"zones": len(zones)})
}

// ProcessLocationUpdate appends a fix to the driver's history and runs the
// in-band detectors. Returned alerts have already been stored and emitted.
func (m *Monitor) ProcessLocationUpdate(actor access.Identity, deliveryID, driverID string, loc location.Obfuscated, vehicleID string) []Alert {
	now := time.Now().UTC()

	m.mu.Lock()
	prev := m.histories[driverID]
	state := loc.MovementState
	if state == location.Unknown {
		// The HTTP path obfuscates coordinates without a movement reading, so
		// infer one from the zone transition: a driver whose fix lands in a new
		// zone moved, one reporting the same zone did not.
		state = location.Stationary
		if n := len(prev); n > 0 && prev[n-1].ZoneID != loc.ZoneID {
			state = location.Moving
		}
	}
	entry := historyEntry{
		ZoneID:   loc.ZoneID,
		At:       now,
		IsMoving: state == location.Moving,
	}
	hist := append(prev, entry)
	if len(hist) > historyCap {
		hist = hist[len(hist)-historyCap:]
	}
	m.histories[driverID] = hist
	m.lastSeen[driverID] = driverDelivery{DeliveryID: deliveryID, At: now}

	var raised []Alert
	if a := m.detectRouteDeviation(deliveryID, driverID, vehicleID, loc.ZoneID, now); a != nil {
		raised = append(raised, *a)
	}
	if a := m.detectUnusualStop(deliveryID, driverID, vehicleID, hist, now); a != nil {
		raised = append(raised, *a)
	}
	if a := m.detectRapidZoneChanges(deliveryID, driverID, vehicleID, hist, now); a != nil {
		raised = append(raised, *a)
	}
	m.mu.Unlock()

	for _, a := range raised {
		m.emit(a)
	}
	return raised
}

// CheckCommunicationLoss raises an alert when a driver has been silent for
// ≥10 min (medium) or ≥30 min (high). Re-emission is suppressed for 15 min.
func (m *Monitor) CheckCommunicationLoss(deliveryID, driverID string, lastSeenAt time.Time) *Alert {
	now := time.Now().UTC()
	gap := now.Sub(lastSeenAt)
	if gap < commLossAfter {
		return nil
	}

	m.mu.Lock()
	if !m.shouldRaiseLocked(driverID, AnomalyCommunicationLost, now, commLossSuppress) {
		m.mu.Unlock()
		return nil
	}
	severity := SeverityMedium
	if gap >= commLossCritical {
		severity = SeverityHigh
	}
	a := m.storeAlertLocked(Alert{
		DeliveryID:  deliveryID,
		DriverID:    driverID,
		AnomalyType: AnomalyCommunicationLost,
		Severity:    severity,
		DetectedAt:  now,
		Description: fmt.Sprintf("no location fix for %s", gap.Truncate(time.Minute)),
	})
	m.mu.Unlock()

	m.emit(a)
	return &a
}

// LastFix is a driver's most recent location update.
type LastFix struct {
	DeliveryID string
	At         time.Time
}

// LastSeen snapshots the tracked drivers and their last fix times, for the
// out-of-band communication-loss sweep.
func (m *Monitor) LastSeen() map[string]LastFix {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]LastFix, len(m.lastSeen))
	for driver, dd := range m.lastSeen {
		out[driver] = LastFix{DeliveryID: dd.DeliveryID, At: dd.At}
	}
	return out
}

// Acknowledge moves an alert to the acknowledged state.
func (m *Monitor) Acknowledge(actor access.Identity, alertID string) (Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return Alert{}, ErrAlertNotFound
	}
	if !a.Acknowledged {
		a.Acknowledged = true
		a.AcknowledgedAt = time.Now().UTC()
		a.AcknowledgedBy = actor.UserID
	}
	out := *a
	m.mu.Unlock()

	m.audit.Record(actor, "security.alert.acknowledge", "security_alert", alertID, access.ResultSuccess, nil)
	return out, nil
}

// Resolve records the terminal disposition. Resolving an unacknowledged alert
// acknowledges it implicitly so the lifecycle stays a single forward path.
func (m *Monitor) Resolve(actor access.Identity, alertID string, status ResolutionStatus, notes string) (Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts[alertID]
	if !ok {
		m.mu.Unlock()
		return Alert{}, ErrAlertNotFound
	}
	now := time.Now().UTC()
	if !a.Acknowledged {
		a.Acknowledged = true
		a.AcknowledgedAt = now
		a.AcknowledgedBy = actor.UserID
	}
	if !a.Resolved() {
		a.Resolution = status
		a.ResolvedAt = now
		a.ResolvedBy = actor.UserID
		a.Notes = notes
	}
	out := *a
	m.mu.Unlock()

	m.audit.Record(actor, "security.alert.resolve", "security_alert", alertID, access.ResultSuccess,
		map[string]interface{}{"status": string(status)})
	return out, nil
}

// Alerts lists alerts matching the filter, newest first.
func (m *Monitor) Alerts(filter Filter) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for i := len(m.alertOrder) - 1; i >= 0; i-- {
		a := m.alerts[m.alertOrder[i]]
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.DeliveryID != "" && a.DeliveryID != filter.DeliveryID {
			continue
		}
		if filter.UnacknowledgedOnly && a.Acknowledged {
			continue
		}
		out = append(out, *a)
	}
	if out == nil {
		out = []Alert{}
	}
	return out
}

// Stats aggregates alert counts by severity and type.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		BySeverity: make(map[Severity]int),
		ByType:     make(map[AnomalyType]int),
	}
	for _, a := range m.alerts {
		st.Total++
		st.BySeverity[a.Severity]++
		st.ByType[a.AnomalyType]++
		if !a.Acknowledged {
			st.Unacknowledged++
		}
		if a.Resolved() {
			st.Resolved++
		}
	}
	return st
}

// History returns a driver's zone history. This is a sensitive read
// (read:location_history) and is audited.
func (m *Monitor) History(actor access.Identity, driverID string) []location.Obfuscated {
	m.mu.Lock()
	hist := m.histories[driverID]
	out := make([]location.Obfuscated, len(hist))
	for i, e := range hist {
		state := location.Stationary
		if e.IsMoving {
			state = location.Moving
		}
		out[i] = location.Obfuscated{ZoneID: e.ZoneID, ApproxTime: e.At.Truncate(time.Minute), MovementState: state}
	}
	m.mu.Unlock()

	m.audit.Record(actor, "security.history.read", "location_history", driverID, access.ResultSuccess, nil)
	return out
}

// PruneBefore drops history entries and resolved alerts older than cutoff.
func (m *Monitor) PruneBefore(historyCutoff, alertCutoff time.Time) (entries, alerts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for driver, hist := range m.histories {
		kept := hist[:0]
		for _, e := range hist {
			if e.At.After(historyCutoff) {
				kept = append(kept, e)
			} else {
				entries++
			}
		}
		if len(kept) == 0 {
			delete(m.histories, driver)
		} else {
			m.histories[driver] = kept
		}
	}
	keptOrder := m.alertOrder[:0]
	for _, id := range m.alertOrder {
		a := m.alerts[id]
		if a.Resolved() && a.ResolvedAt.Before(alertCutoff) {
			delete(m.alerts, id)
			alerts++
			continue
		}
		keptOrder = append(keptOrder, id)
	}
	m.alertOrder = keptOrder
	return entries, alerts
}

// ── detectors (all called with m.mu held) ─────────────────────────────────

func (m *Monitor) detectRouteDeviation(deliveryID, driverID, vehicleID, zone string, now time.Time) *Alert {
	route, ok := m.expectedRoutes[deliveryID]
	if !ok || len(route) == 0 {
		return nil
	}
	for _, z := range route {
		if z == zone {
			return nil
		}
	}
	if !m.shouldRaiseLocked(driverID, AnomalyRouteDeviation, now, stopSuppress) {
		return nil
	}
	a := m.storeAlertLocked(Alert{
		DeliveryID:  deliveryID,
		DriverID:    driverID,
		VehicleID:   vehicleID,
		AnomalyType: AnomalyRouteDeviation,
		Severity:    SeverityMedium,
		ZoneID:      zone,
		DetectedAt:  now,
		Description: "current zone is not on the registered route",
	})
	return &a
}

func (m *Monitor) detectUnusualStop(deliveryID, driverID, vehicleID string, hist []historyEntry, now time.Time) *Alert {
	window := hist
	if len(window) > stopWindow {
		window = window[len(window)-stopWindow:]
	}
	var first, last time.Time
	count := 0
	for _, e := range window {
		if e.IsMoving {
			continue
		}
		if count == 0 {
			first = e.At
		}
		last = e.At
		count++
	}
	if count < stopMinCount || last.Sub(first) < stopMinSpan {
		return nil
	}
	if !m.shouldRaiseLocked(driverID, AnomalyUnusualStop, now, stopSuppress) {
		return nil
	}
	a := m.storeAlertLocked(Alert{
		DeliveryID:  deliveryID,
		DriverID:    driverID,
		VehicleID:   vehicleID,
		AnomalyType: AnomalyUnusualStop,
		Severity:    SeverityLow,
		ZoneID:      window[len(window)-1].ZoneID,
		DetectedAt:  now,
		Description: fmt.Sprintf("stationary for %s outside a hand-off point", last.Sub(first).Truncate(time.Minute)),
	})
	return &a
}

func (m *Monitor) detectRapidZoneChanges(deliveryID, driverID, vehicleID string, hist []historyEntry, now time.Time) *Alert {
	if len(hist) < rapidWindow {
		return nil
	}
	window := hist[len(hist)-rapidWindow:]
	if window[len(window)-1].At.Sub(window[0].At) > rapidSpan {
		return nil
	}
	distinct := make(map[string]struct{}, rapidWindow)
	for _, e := range window {
		distinct[e.ZoneID] = struct{}{}
	}
	if len(distinct) < rapidMinDistinct {
		return nil
	}
	a := m.storeAlertLocked(Alert{
		DeliveryID:  deliveryID,
		DriverID:    driverID,
		VehicleID:   vehicleID,
		AnomalyType: AnomalyTampering,
		Severity:    SeverityHigh,
		ZoneID:      window[len(window)-1].ZoneID,
		DetectedAt:  now,
		Description: "zone changes faster than physically plausible; possible GPS spoofing",
	})
	return &a
}

// shouldRaiseLocked applies per-driver, per-type suppression.
func (m *Monitor) shouldRaiseLocked(driverID string, t AnomalyType, now time.Time, window time.Duration) bool {
	key := driverID + ":" + string(t)
	if last, ok := m.lastAlertAt[key]; ok && now.Sub(last) < window {
		return false
	}
	m.lastAlertAt[key] = now
	return true
}

func (m *Monitor) storeAlertLocked(a Alert) Alert {
	a.ID = uuid.NewString()
	m.alerts[a.ID] = &a
	m.alertOrder = append(m.alertOrder, a.ID)
	return a
}

func (m *Monitor) emit(a Alert) {
	m.logger.Warn("security alert raised",
		zap.String("alertId", a.ID),
		zap.String("type", string(a.AnomalyType)),
		zap.String("severity", string(a.Severity)),
		zap.String("deliveryId", a.DeliveryID),
	)
	m.audit.Record(access.Identity{UserID: "system", Role: access.RoleSystem},
		"security.alert.raise", "security_alert", a.ID, access.ResultSuccess,
		map[string]interface{}{"type": string(a.AnomalyType), "severity": string(a.Severity)})
	if m.OnAlert != nil {
		m.OnAlert(a)
	}
}
