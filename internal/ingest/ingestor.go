// Package ingest drives the diagnostic pipeline: validate a reading,
// persist it, score it against its store snapshot, persist the verdict,
// and reconcile maintenance tickets, emitting events at each stage.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/soilsense/trustd/internal/broadcast"
	"github.com/soilsense/trustd/internal/store"
	"github.com/soilsense/trustd/internal/tickets"
	"github.com/soilsense/trustd/internal/trust"
	"github.com/soilsense/trustd/internal/types"
	"go.uber.org/zap"
)

// ErrInvalidReading is returned when a payload field cannot be stored
// as a number. Values merely outside physical range are stored; the
// scorer is the authority on impossible values.
var ErrInvalidReading = errors.New("invalid reading payload")

// ReadingPayload is a raw reading as submitted by a transport adapter.
// Nil fields were not reported.
type ReadingPayload struct {
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	Moisture         *float64   `json:"moisture,omitempty"`
	Temperature      *float64   `json:"temperature,omitempty"`
	EC               *float64   `json:"ec,omitempty"`
	PH               *float64   `json:"ph,omitempty"`
	AirTemp          *float64   `json:"airTemp,omitempty"`
	IsRaining        *bool      `json:"isRaining,omitempty"`
	IrrigationActive *bool      `json:"irrigationActive,omitempty"`
}

// Result is a successful ingest: the stored reading, plus the verdict
// when the sensor had enough history for one.
type Result struct {
	Reading types.Reading      `json:"reading"`
	Trust   *types.TrustResult `json:"trust,omitempty"`
}

// BatchItem is one entry of a batch ingest.
type BatchItem struct {
	ExternalID string         `json:"externalId"`
	Payload    ReadingPayload `json:"payload"`
}

// BatchOutcome is the per-item result of a batch ingest; a failed item
// does not abort the rest of the batch.
type BatchOutcome struct {
	ExternalID string  `json:"externalId"`
	Result     *Result `json:"result,omitempty"`
	Err        error   `json:"-"`
}

// Ingestor serialises the append -> score -> persist -> ticket critical
// section per sensor. Ingests to distinct sensors run concurrently.
type Ingestor struct {
	store       store.Store
	scorer      *trust.Scorer
	tickets     *tickets.Manager
	broadcaster *broadcast.Broadcaster
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	sensorLocks map[int]*sync.Mutex
}

// New creates an ingestor.
func New(st store.Store, scorer *trust.Scorer, tm *tickets.Manager, bc *broadcast.Broadcaster, logger *zap.SugaredLogger) *Ingestor {
	return &Ingestor{
		store:       st,
		scorer:      scorer,
		tickets:     tm,
		broadcaster: bc,
		logger:      logger,
		sensorLocks: make(map[int]*sync.Mutex),
	}
}

// Ingest runs the full pipeline for one reading. On cancellation an
// already-persisted reading remains (readings are append-only) but no
// verdict is written and no further events are emitted.
func (i *Ingestor) Ingest(ctx context.Context, externalID string, p ReadingPayload) (*Result, error) {
	if err := validatePayload(p); err != nil {
		return nil, err
	}

	sensor, err := i.store.SensorByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	lock := i.sensorLock(sensor.ID)
	lock.Lock()
	defer lock.Unlock()

	reading := types.Reading{
		SensorID:         sensor.ID,
		Moisture:         p.Moisture,
		Temperature:      p.Temperature,
		EC:               p.EC,
		PH:               p.PH,
		AirTemp:          p.AirTemp,
		IsRaining:        p.IsRaining,
		IrrigationActive: p.IrrigationActive,
	}
	if p.Timestamp != nil {
		reading.Timestamp = p.Timestamp.UTC()
	}

	reading, err = i.store.AppendReading(ctx, reading)
	if err != nil {
		return nil, fmt.Errorf("appending reading: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.broadcaster.Publish(types.EventReadingNew, sensor.ID, reading)

	cfg := i.scorer.Config()
	snap, err := i.store.ScoringSnapshot(ctx, sensor.ID, reading.ID,
		cfg.DriftWindow, cfg.HistoryWindow, cfg.TrendWindow)
	if err != nil {
		return nil, fmt.Errorf("loading scoring snapshot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := i.scorer.Evaluate(sensor, reading, snap, time.Now().UTC())
	if result == nil {
		// Not enough history for a verdict; the reading still counts
		// toward future windows.
		return &Result{Reading: reading}, nil
	}

	saved, err := i.store.SaveTrustResult(ctx, *result)
	if err != nil {
		return nil, fmt.Errorf("saving trust result: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i.broadcaster.Publish(types.EventTrustUpdated, sensor.ID, saved)
	i.broadcaster.PublishDashboard()

	if saved.Status == types.StatusAnomalous && !saved.HasCause(types.CauseFieldEvent) {
		// Ticket failures never fail the ingest; the trust result is
		// the primary record and is already persisted.
		if _, terr := i.tickets.OnAnomalous(ctx, sensor.ID, diagnosticSummary(&saved), saved.Severity); terr != nil {
			i.logger.Errorw("failed to reconcile maintenance ticket",
				"sensor", sensor.ExternalID, "error", terr)
		}
	}

	return &Result{Reading: reading, Trust: &saved}, nil
}

// IngestBatch applies Ingest sequentially per item and reports per-item
// outcomes.
func (i *Ingestor) IngestBatch(ctx context.Context, items []BatchItem) []BatchOutcome {
	outcomes := make([]BatchOutcome, len(items))
	for idx, item := range items {
		res, err := i.Ingest(ctx, item.ExternalID, item.Payload)
		outcomes[idx] = BatchOutcome{ExternalID: item.ExternalID, Result: res, Err: err}
	}
	return outcomes
}

func (i *Ingestor) sensorLock(sensorID int) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()

	lock, ok := i.sensorLocks[sensorID]
	if !ok {
		lock = &sync.Mutex{}
		i.sensorLocks[sensorID] = lock
	}
	return lock
}

// validatePayload rejects values that cannot be stored as numbers.
func validatePayload(p ReadingPayload) error {
	for name, v := range map[string]*float64{
		"moisture":    p.Moisture,
		"temperature": p.Temperature,
		"ec":          p.EC,
		"ph":          p.PH,
		"airTemp":     p.AirTemp,
	} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidReading, name)
		}
	}
	if p.Moisture == nil && p.Temperature == nil && p.EC == nil && p.PH == nil {
		return fmt.Errorf("%w: no probe values provided", ErrInvalidReading)
	}
	return nil
}

// diagnosticSummary renders a ticket issue line from the verdict.
func diagnosticSummary(tr *types.TrustResult) string {
	causes := make([]string, 0, len(tr.RootCauses))
	for _, c := range tr.RootCauses {
		causes = append(causes, strings.ReplaceAll(string(c), "_", " "))
	}
	return fmt.Sprintf("%s (trust %.4f, %s)", strings.Join(causes, ", "), tr.Score, tr.Label)
}
