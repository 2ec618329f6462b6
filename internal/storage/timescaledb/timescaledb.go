// Package timescaledb archives readings, trust results and tickets to
// TimescaleDB. It consumes broadcast events asynchronously so archive
// latency never backs up the ingest path.
package timescaledb

import (
	"context"
	"sync"
	"time"

	"github.com/soilsense/trustd/internal/database"
	"github.com/soilsense/trustd/internal/log"
	"github.com/soilsense/trustd/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Storage holds the connection for a TimescaleDB archive backend
type Storage struct {
	db *gorm.DB
}

// ArchivedReading is the readings hypertable row
type ArchivedReading struct {
	Time             time.Time `gorm:"column:time"`
	SensorID         int       `gorm:"column:sensor_id;index"`
	ReadingID        int64     `gorm:"column:reading_id"`
	Moisture         *float64  `gorm:"column:moisture"`
	Temperature      *float64  `gorm:"column:temperature"`
	EC               *float64  `gorm:"column:ec"`
	PH               *float64  `gorm:"column:ph"`
	AirTemp          *float64  `gorm:"column:air_temp"`
	IsRaining        *bool     `gorm:"column:is_raining"`
	IrrigationActive *bool     `gorm:"column:irrigation_active"`
}

func (ArchivedReading) TableName() string { return "readings" }

// ArchivedTrustResult is one verdict row
type ArchivedTrustResult struct {
	EvaluatedAt time.Time `gorm:"column:evaluated_at"`
	SensorID    int       `gorm:"column:sensor_id;index"`
	ReadingID   int64     `gorm:"column:reading_id"`
	Score       float64   `gorm:"column:score"`
	Status      string    `gorm:"column:status"`
	Label       string    `gorm:"column:label"`
	Severity    string    `gorm:"column:severity"`
	RootCauses  string    `gorm:"column:root_causes"`
	HealthTrend string    `gorm:"column:health_trend"`
	TrendSlope  float64   `gorm:"column:trend_slope"`
	AnomalyRate float64   `gorm:"column:anomaly_rate"`
}

func (ArchivedTrustResult) TableName() string { return "trust_results" }

// ArchivedTicket mirrors the current state of each ticket
type ArchivedTicket struct {
	ID         string     `gorm:"column:id;primaryKey"`
	SensorID   int        `gorm:"column:sensor_id;index"`
	Issue      string     `gorm:"column:issue"`
	Severity   string     `gorm:"column:severity"`
	Status     string     `gorm:"column:status;index"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
	ResolvedAt *time.Time `gorm:"column:resolved_at"`
}

func (ArchivedTicket) TableName() string { return "tickets" }

// New sets up a new TimescaleDB archive backend
func New(ctx context.Context, connectionString string) (*Storage, error) {
	db, err := database.CreateConnection(connectionString)
	if err != nil {
		return nil, err
	}
	t := &Storage{db: db}

	log.Info("creating archive tables...")
	for _, ddl := range []string{createReadingsTableSQL, createTrustResultsTableSQL, createTicketsTableSQL} {
		if err := t.db.WithContext(ctx).Exec(ddl).Error; err != nil {
			log.Warn("warning: could not create archive table:", err)
			return nil, err
		}
	}

	// The hypertable conversion fails harmlessly when the TimescaleDB
	// extension is absent; plain tables still archive correctly.
	log.Info("creating readings hypertable...")
	if err := t.db.WithContext(ctx).Exec(createHypertableSQL).Error; err != nil {
		log.Warn("warning: could not create hypertable, archiving to plain table:", err)
	}

	return t, nil
}

// StartArchiveEngine creates a goroutine loop to receive events and
// write them to TimescaleDB
func (t *Storage) StartArchiveEngine(ctx context.Context, wg *sync.WaitGroup) chan<- types.Event {
	log.Info("starting TimescaleDB archive engine...")
	eventChan := make(chan types.Event, 10)
	// Register before the goroutine starts so a prompt shutdown's Wait
	// cannot pass while the engine is still launching.
	wg.Add(1)
	go t.processEvents(ctx, wg, eventChan)
	return eventChan
}

func (t *Storage) processEvents(ctx context.Context, wg *sync.WaitGroup, events <-chan types.Event) {
	defer wg.Done()

	for {
		select {
		case ev := <-events:
			if err := t.archiveEvent(ctx, ev); err != nil {
				log.Error("could not archive event:", err)
			}
		case <-ctx.Done():
			log.Info("cancellation request received, stopping archive engine")
			return
		}
	}
}

func (t *Storage) archiveEvent(ctx context.Context, ev types.Event) error {
	switch ev.Type {
	case types.EventReadingNew:
		r, ok := ev.Payload.(types.Reading)
		if !ok {
			return nil
		}
		return t.db.WithContext(ctx).Create(&ArchivedReading{
			Time:             r.Timestamp,
			SensorID:         r.SensorID,
			ReadingID:        r.ID,
			Moisture:         r.Moisture,
			Temperature:      r.Temperature,
			EC:               r.EC,
			PH:               r.PH,
			AirTemp:          r.AirTemp,
			IsRaining:        r.IsRaining,
			IrrigationActive: r.IrrigationActive,
		}).Error

	case types.EventTrustUpdated:
		tr, ok := ev.Payload.(types.TrustResult)
		if !ok {
			return nil
		}
		return t.db.WithContext(ctx).Create(&ArchivedTrustResult{
			EvaluatedAt: tr.EvaluatedAt,
			SensorID:    tr.SensorID,
			ReadingID:   tr.ReadingID,
			Score:       tr.Score,
			Status:      string(tr.Status),
			Label:       tr.Label,
			Severity:    string(tr.Severity),
			RootCauses:  joinCauses(tr.RootCauses),
			HealthTrend: string(tr.HealthTrend),
			TrendSlope:  tr.TrendSlope,
			AnomalyRate: tr.AnomalyRate,
		}).Error

	case types.EventTicketChanged:
		tk, ok := ev.Payload.(types.Ticket)
		if !ok {
			return nil
		}
		return t.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&ArchivedTicket{
			ID:         tk.ID,
			SensorID:   tk.SensorID,
			Issue:      tk.Issue,
			Severity:   string(tk.Severity),
			Status:     string(tk.Status),
			CreatedAt:  tk.CreatedAt,
			UpdatedAt:  tk.UpdatedAt,
			ResolvedAt: tk.ResolvedAt,
		}).Error
	}

	return nil
}

func joinCauses(causes []types.RootCause) string {
	out := ""
	for i, c := range causes {
		if i > 0 {
			out += ","
		}
		out += string(c)
	}
	return out
}
