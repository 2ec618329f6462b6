// Package types holds the domain types shared across the trust engine:
// sensors, readings, trust results, tickets and broadcast events.
package types

import (
	"time"
)

// Parameter identifies one of the four measured soil probes.
type Parameter string

const (
	ParamMoisture    Parameter = "moisture"
	ParamTemperature Parameter = "temperature"
	ParamEC          Parameter = "ec"
	ParamPH          Parameter = "ph"
)

// Parameters lists the probes in their canonical order. The scorer and
// every aggregation iterate in this order so output is deterministic.
var Parameters = []Parameter{ParamMoisture, ParamTemperature, ParamEC, ParamPH}

// Sensor is a registered soil sensor. ExternalID is the opaque fleet
// identifier; ID is the store-assigned handle used for all internal links.
type Sensor struct {
	ID          int       `json:"id"`
	ExternalID  string    `json:"externalId"`
	Zone        string    `json:"zone"`
	Type        string    `json:"type"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	InstalledAt time.Time `json:"installedAt"`
}

// Reading is a single timestamped measurement from one sensor. All probes
// and context fields are optional; a nil pointer means the field was not
// reported. Readings are append-only once stored.
type Reading struct {
	ID               int64     `json:"id"`
	SensorID         int       `json:"sensorId"`
	Timestamp        time.Time `json:"timestamp"`
	Moisture         *float64  `json:"moisture,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	EC               *float64  `json:"ec,omitempty"`
	PH               *float64  `json:"ph,omitempty"`
	AirTemp          *float64  `json:"airTemp,omitempty"`
	IsRaining        *bool     `json:"isRaining,omitempty"`
	IrrigationActive *bool     `json:"irrigationActive,omitempty"`
	ReceivedAt       time.Time `json:"receivedAt"`
}

// Probe returns the value of the named parameter, or nil if absent.
func (r *Reading) Probe(p Parameter) *float64 {
	switch p {
	case ParamMoisture:
		return r.Moisture
	case ParamTemperature:
		return r.Temperature
	case ParamEC:
		return r.EC
	case ParamPH:
		return r.PH
	}
	return nil
}

// TrustStatus is the coarse health band of a sensor.
type TrustStatus string

const (
	StatusHealthy   TrustStatus = "healthy"
	StatusWarning   TrustStatus = "warning"
	StatusAnomalous TrustStatus = "anomalous"
)

// Severity is the operational urgency of a diagnosis.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityRank returns the position of s in the severity ordering
// none < low < medium < high < critical.
func SeverityRank(s Severity) int {
	return severityRank[s]
}

// MaxSeverity returns the higher of the two severities.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// RootCause tags why a trust score deviated from 1.0.
type RootCause string

const (
	CauseNormal          RootCause = "normal"
	CauseSpike           RootCause = "spike"
	CauseStatic          RootCause = "static"
	CauseDrift           RootCause = "drift"
	CauseZoneMismatch    RootCause = "zone_mismatch"
	CauseWeatherMismatch RootCause = "weather_mismatch"
	CauseFieldEvent      RootCause = "field_event"
	CauseImpossibleValue RootCause = "impossible_value"
)

// HealthTrend is the direction the sensor's trust history is moving.
type HealthTrend string

const (
	TrendImproving HealthTrend = "improving"
	TrendDegrading HealthTrend = "degrading"
	TrendStable    HealthTrend = "stable"
	TrendUnknown   HealthTrend = "unknown"
)

// ParamScore carries the three sub-scores for one parameter, the causes
// they resolved to, and the weighted per-parameter trust.
type ParamScore struct {
	Temporal      float64   `json:"temporal"`
	TemporalCause RootCause `json:"temporalCause"`
	Cross         float64   `json:"cross"`
	CrossCause    RootCause `json:"crossCause"`
	Physical      float64   `json:"physical"`
	Trust         float64   `json:"trust"`
}

// TrustResult is the verdict for one (sensor, reading) pair.
type TrustResult struct {
	ID                    int64                    `json:"id"`
	SensorID              int                      `json:"sensorId"`
	ReadingID             int64                    `json:"readingId"`
	Score                 float64                  `json:"score"`
	Status                TrustStatus              `json:"status"`
	Label                 string                   `json:"label"`
	Severity              Severity                 `json:"severity"`
	PerParameter          map[Parameter]ParamScore `json:"perParameter"`
	RootCauses            []RootCause              `json:"rootCauses"`
	HealthTrend           HealthTrend              `json:"healthTrend"`
	TrendSlope            float64                  `json:"trendSlope"`
	AnomalyRate           float64                  `json:"anomalyRate"`
	IrrigationSafe        bool                     `json:"irrigationSafe"`
	FailurePrediction     string                   `json:"failurePrediction,omitempty"`
	ConfidenceLevel       float64                  `json:"confidenceLevel"`
	ZoneReliability       *float64                 `json:"zoneReliability,omitempty"`
	SustainabilityInsight string                   `json:"sustainabilityInsight,omitempty"`
	AlertTag              string                   `json:"alertTag,omitempty"`
	Flags                 []string                 `json:"flags"`
	EvaluatedAt           time.Time                `json:"evaluatedAt"`
}

// HasCause reports whether the root-cause set contains c.
func (t *TrustResult) HasCause(c RootCause) bool {
	for _, rc := range t.RootCauses {
		if rc == c {
			return true
		}
	}
	return false
}

// TicketStatus is the lifecycle state of a maintenance ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
)

// Ticket is a persistent maintenance record for a faulty sensor.
// The ticket manager maintains at most one open ticket per sensor.
type Ticket struct {
	ID         string       `json:"id"`
	SensorID   int          `json:"sensorId"`
	Issue      string       `json:"issue"`
	Severity   Severity     `json:"severity"`
	Status     TicketStatus `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

// EventType tags a broadcast event. The set is closed.
type EventType string

const (
	EventReadingNew      EventType = "reading.new"
	EventTrustUpdated    EventType = "trust.updated"
	EventTicketChanged   EventType = "ticket.changed"
	EventDashboardUpdate EventType = "dashboard.update"
)

// Event is the envelope delivered to broadcaster subscribers. Seq is
// monotone per event type. SensorID is zero for events that are not
// tied to a single sensor.
type Event struct {
	Type     EventType   `json:"type"`
	Seq      uint64      `json:"seq"`
	SensorID int         `json:"sensorId,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
	At       time.Time   `json:"at"`
}

// ScoringSnapshot is the context the scorer needs for one evaluation,
// read from the store in a single consistent snapshot. All sequences
// are ordered newest-first.
type ScoringSnapshot struct {
	// History holds the subject sensor's prior readings, excluding the
	// reading under evaluation, up to the drift window.
	History []Reading
	// PeerLatest maps each same-zone peer to its latest reading.
	PeerLatest map[int]Reading
	// PeerHistory maps each same-zone peer to its recent readings.
	PeerHistory map[int][]Reading
	// PeerScores holds the latest trust score of each peer that has one.
	PeerScores []float64
	// TrustHistory holds the subject's recent trust results.
	TrustHistory []TrustResult
}

// DashboardSummary is the fleet-wide aggregate served to dashboards.
type DashboardSummary struct {
	Sensors     int                 `json:"sensors"`
	ByStatus    map[TrustStatus]int `json:"byStatus"`
	BySeverity  map[Severity]int    `json:"bySeverity"`
	OpenTickets int                 `json:"openTickets"`
	GeneratedAt time.Time           `json:"generatedAt"`
}

// ZoneStatistics is the per-zone status breakdown.
type ZoneStatistics struct {
	Zone      string `json:"zone"`
	Healthy   int    `json:"healthy"`
	Warning   int    `json:"warning"`
	Anomalous int    `json:"anomalous"`
	Total     int    `json:"total"`
}

// TicketStats summarises the ticket backlog.
type TicketStats struct {
	Open       int `json:"open"`
	InProgress int `json:"inProgress"`
	Resolved   int `json:"resolved"`
	Total      int `json:"total"`
}
