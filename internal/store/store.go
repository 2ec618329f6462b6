// Package store defines the persistence contract for sensors, readings,
// trust results and tickets, together with the in-memory implementation
// that backs the ingest pipeline.
package store

import (
	"context"
	"errors"

	"github.com/soilsense/trustd/internal/types"
)

// Sentinel errors surfaced by the store. Transport adapters map these to
// distinct client error codes.
var (
	ErrUnknownSensor = errors.New("unknown sensor")
	ErrDuplicateID   = errors.New("sensor external id already registered")
	ErrUnknownTicket = errors.New("unknown ticket")
)

// Store mediates all shared state. Every method is internally atomic;
// higher-level atomicity (append -> score -> persist) belongs to the
// ingestor, which serialises per sensor.
type Store interface {
	// RegisterSensor creates a sensor and its initial trust result
	// (score 1.0, healthy). Fails with ErrDuplicateID when the external
	// id is already registered.
	RegisterSensor(ctx context.Context, externalID, zone, sensorType string, lat, lon *float64) (types.Sensor, error)
	SensorByExternalID(ctx context.Context, externalID string) (types.Sensor, error)
	SensorByID(ctx context.Context, id int) (types.Sensor, error)
	Sensors(ctx context.Context) ([]types.Sensor, error)
	UpdateSensorZone(ctx context.Context, id int, zone string) error
	DeleteSensor(ctx context.Context, id int) error

	// AppendReading persists a reading. Readings are append-only.
	AppendReading(ctx context.Context, r types.Reading) (types.Reading, error)
	// RecentReadings returns up to n readings for the sensor, newest-first.
	RecentReadings(ctx context.Context, sensorID, n int) ([]types.Reading, error)
	LatestReading(ctx context.Context, sensorID int) (types.Reading, bool, error)

	// ScoringSnapshot reads everything the scorer needs in one consistent
	// snapshot: the subject's history before the given reading, same-zone
	// peers' latest readings and history windows, peer trust scores, and
	// the subject's recent trust results.
	ScoringSnapshot(ctx context.Context, sensorID int, beforeReading int64, driftWindow, historyWindow, trendWindow int) (types.ScoringSnapshot, error)

	SaveTrustResult(ctx context.Context, tr types.TrustResult) (types.TrustResult, error)
	RecentTrustResults(ctx context.Context, sensorID, n int) ([]types.TrustResult, error)
	LatestTrustPerSensor(ctx context.Context) (map[int]types.TrustResult, error)

	OpenTicketForSensor(ctx context.Context, sensorID int) (types.Ticket, bool, error)
	SaveTicket(ctx context.Context, t types.Ticket) (types.Ticket, error)
	TicketByID(ctx context.Context, id string) (types.Ticket, error)
	ListTickets(ctx context.Context, status *types.TicketStatus) ([]types.Ticket, error)
	TicketStats(ctx context.Context) (types.TicketStats, error)

	// Aggregate read paths; these bypass the per-sensor ingest
	// serialisation and use store snapshots.
	DashboardSummary(ctx context.Context) (types.DashboardSummary, error)
	ZoneStatistics(ctx context.Context) ([]types.ZoneStatistics, error)
}
