package securitymon

import (
	"errors"
	"time"
)

// AnomalyType is the closed set of detector outputs.
type AnomalyType string

const (
	AnomalyRouteDeviation    AnomalyType = "route_deviation"
	AnomalyUnusualStop       AnomalyType = "unusual_stop"
	AnomalyTampering         AnomalyType = "tampering_detected"
	AnomalyCommunicationLost AnomalyType = "communication_lost"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ResolutionStatus is the terminal disposition of a resolved alert.
type ResolutionStatus string

const (
	ResolutionFalsePositive ResolutionStatus = "false_positive"
	ResolutionInvestigated  ResolutionStatus = "investigated"
	ResolutionEscalated     ResolutionStatus = "escalated"
	ResolutionResolved      ResolutionStatus = "resolved"
)

// ErrAlertNotFound is returned when acknowledging or resolving an unknown
// alert id.
var ErrAlertNotFound = errors.New("alert not found")

// Alert is a detected anomaly working through new → acknowledged → resolved.
type Alert struct {
	ID             string           `json:"id"`
	DeliveryID     string           `json:"deliveryId"`
	DriverID       string           `json:"driverId"`
	VehicleID      string           `json:"vehicleId,omitempty"`
	AnomalyType    AnomalyType      `json:"anomalyType"`
	Severity       Severity         `json:"severity"`
	ZoneID         string           `json:"zoneId"`
	DetectedAt     time.Time        `json:"detectedAt"`
	Description    string           `json:"description"`
	Acknowledged   bool             `json:"acknowledged"`
	AcknowledgedAt time.Time        `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string           `json:"acknowledgedBy,omitempty"`
	Resolution     ResolutionStatus `json:"resolution,omitempty"`
	ResolvedAt     time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy     string           `json:"resolvedBy,omitempty"`
	Notes          string           `json:"notes,omitempty"`
}

// Resolved reports whether the alert reached its terminal state.
func (a *Alert) Resolved() bool {
	return a.Resolution != ""
}

// Filter narrows alert listings.
type Filter struct {
	Severity           Severity
	DeliveryID         string
	UnacknowledgedOnly bool
}

// Stats aggregates alert counts.
type Stats struct {
	Total          int                 `json:"total"`
	Unacknowledged int                 `json:"unacknowledged"`
	Resolved       int                 `json:"resolved"`
	BySeverity     map[Severity]int    `json:"bySeverity"`
	ByType         map[AnomalyType]int `json:"byType"`
}

// historyEntry is one obfuscated fix in a driver's bounded history.
type historyEntry struct {
	ZoneID   string
	At       time.Time
	IsMoving bool
}
