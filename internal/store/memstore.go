package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soilsense/trustd/internal/types"
)

// MemStore is the in-memory authoritative store. A single RWMutex makes
// every write atomic and gives readers monotonic snapshots: a reader
// never observes a partially-applied write, and a snapshot taken after
// an append always contains that append.
type MemStore struct {
	mu sync.RWMutex

	sensors    map[int]types.Sensor
	byExternal map[string]int
	readings   map[int][]types.Reading
	trust      map[int][]types.TrustResult
	tickets    map[string]types.Ticket
	ticketIDs  []string

	nextSensorID  int
	nextReadingID int64
	nextTrustID   int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sensors:    make(map[int]types.Sensor),
		byExternal: make(map[string]int),
		readings:   make(map[int][]types.Reading),
		trust:      make(map[int][]types.TrustResult),
		tickets:    make(map[string]types.Ticket),
	}
}

// RegisterSensor creates the sensor record and seeds its trust history
// with a perfect score so that dashboards have a value before the first
// scored reading arrives.
func (m *MemStore) RegisterSensor(ctx context.Context, externalID, zone, sensorType string, lat, lon *float64) (types.Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byExternal[externalID]; exists {
		return types.Sensor{}, ErrDuplicateID
	}

	m.nextSensorID++
	now := time.Now().UTC()
	s := types.Sensor{
		ID:          m.nextSensorID,
		ExternalID:  externalID,
		Zone:        zone,
		Type:        sensorType,
		Latitude:    lat,
		Longitude:   lon,
		InstalledAt: now,
	}
	m.sensors[s.ID] = s
	m.byExternal[externalID] = s.ID

	m.nextTrustID++
	perParam := make(map[types.Parameter]types.ParamScore, len(types.Parameters))
	for _, p := range types.Parameters {
		perParam[p] = types.ParamScore{
			Temporal: 1.0, TemporalCause: types.CauseNormal,
			Cross: 1.0, CrossCause: types.CauseNormal,
			Physical: 1.0, Trust: 1.0,
		}
	}
	m.trust[s.ID] = append(m.trust[s.ID], types.TrustResult{
		ID:              m.nextTrustID,
		SensorID:        s.ID,
		Score:           1.0,
		Status:          types.StatusHealthy,
		Label:           "Highly Reliable",
		Severity:        types.SeverityNone,
		PerParameter:    perParam,
		RootCauses:      []types.RootCause{types.CauseNormal},
		HealthTrend:     types.TrendUnknown,
		IrrigationSafe:  true,
		ConfidenceLevel: 0.9,
		Flags:           []string{},
		EvaluatedAt:     now,
	})

	return s, nil
}

func (m *MemStore) SensorByExternalID(ctx context.Context, externalID string) (types.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return types.Sensor{}, ErrUnknownSensor
	}
	return m.sensors[id], nil
}

func (m *MemStore) SensorByID(ctx context.Context, id int) (types.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sensors[id]
	if !ok {
		return types.Sensor{}, ErrUnknownSensor
	}
	return s, nil
}

func (m *MemStore) Sensors(ctx context.Context) ([]types.Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Sensor, 0, len(m.sensors))
	for _, s := range m.sensors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) UpdateSensorZone(ctx context.Context, id int, zone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sensors[id]
	if !ok {
		return ErrUnknownSensor
	}
	s.Zone = zone
	m.sensors[id] = s
	return nil
}

// DeleteSensor removes the sensor and everything attached to it.
func (m *MemStore) DeleteSensor(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sensors[id]
	if !ok {
		return ErrUnknownSensor
	}
	delete(m.sensors, id)
	delete(m.byExternal, s.ExternalID)
	delete(m.readings, id)
	delete(m.trust, id)

	kept := m.ticketIDs[:0]
	for _, tid := range m.ticketIDs {
		if m.tickets[tid].SensorID == id {
			delete(m.tickets, tid)
			continue
		}
		kept = append(kept, tid)
	}
	m.ticketIDs = kept
	return nil
}

func (m *MemStore) AppendReading(ctx context.Context, r types.Reading) (types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sensors[r.SensorID]; !ok {
		return types.Reading{}, ErrUnknownSensor
	}

	m.nextReadingID++
	r.ID = m.nextReadingID
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = r.ReceivedAt
	}
	m.readings[r.SensorID] = append(m.readings[r.SensorID], r)
	return r, nil
}

func (m *MemStore) RecentReadings(ctx context.Context, sensorID, n int) ([]types.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sensors[sensorID]; !ok {
		return nil, ErrUnknownSensor
	}
	return newestFirst(m.readings[sensorID], n, 0), nil
}

func (m *MemStore) LatestReading(ctx context.Context, sensorID int) (types.Reading, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sensors[sensorID]; !ok {
		return types.Reading{}, false, ErrUnknownSensor
	}
	rs := m.readings[sensorID]
	if len(rs) == 0 {
		return types.Reading{}, false, nil
	}
	return rs[len(rs)-1], true, nil
}

// newestFirst copies up to n readings in reverse append order, skipping
// any reading with ID >= exclusiveBefore when exclusiveBefore > 0.
func newestFirst(rs []types.Reading, n int, exclusiveBefore int64) []types.Reading {
	out := make([]types.Reading, 0, n)
	for i := len(rs) - 1; i >= 0 && len(out) < n; i-- {
		if exclusiveBefore > 0 && rs[i].ID >= exclusiveBefore {
			continue
		}
		out = append(out, rs[i])
	}
	return out
}

// ScoringSnapshot assembles the scorer's full input context under a
// single read lock so peers' latest readings and the subject's history
// are mutually consistent.
func (m *MemStore) ScoringSnapshot(ctx context.Context, sensorID int, beforeReading int64, driftWindow, historyWindow, trendWindow int) (types.ScoringSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subject, ok := m.sensors[sensorID]
	if !ok {
		return types.ScoringSnapshot{}, ErrUnknownSensor
	}

	snap := types.ScoringSnapshot{
		History:     newestFirst(m.readings[sensorID], driftWindow, beforeReading),
		PeerLatest:  make(map[int]types.Reading),
		PeerHistory: make(map[int][]types.Reading),
	}

	peerIDs := make([]int, 0)
	for id, s := range m.sensors {
		if id == sensorID || s.Zone != subject.Zone {
			continue
		}
		peerIDs = append(peerIDs, id)
	}
	sort.Ints(peerIDs)

	for _, id := range peerIDs {
		rs := m.readings[id]
		if len(rs) == 0 {
			continue
		}
		latest := rs[len(rs)-1]
		snap.PeerLatest[id] = latest
		// Peer history excludes the peer's own latest reading so the
		// field-event check compares that reading against its priors.
		snap.PeerHistory[id] = newestFirst(rs, historyWindow, latest.ID)

		if trs := m.trust[id]; len(trs) > 0 {
			snap.PeerScores = append(snap.PeerScores, trs[len(trs)-1].Score)
		}
	}

	trs := m.trust[sensorID]
	for i := len(trs) - 1; i >= 0 && len(snap.TrustHistory) < trendWindow; i-- {
		snap.TrustHistory = append(snap.TrustHistory, trs[i])
	}

	return snap, nil
}

func (m *MemStore) SaveTrustResult(ctx context.Context, tr types.TrustResult) (types.TrustResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sensors[tr.SensorID]; !ok {
		return types.TrustResult{}, ErrUnknownSensor
	}

	m.nextTrustID++
	tr.ID = m.nextTrustID
	m.trust[tr.SensorID] = append(m.trust[tr.SensorID], tr)
	return tr, nil
}

func (m *MemStore) RecentTrustResults(ctx context.Context, sensorID, n int) ([]types.TrustResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sensors[sensorID]; !ok {
		return nil, ErrUnknownSensor
	}

	trs := m.trust[sensorID]
	out := make([]types.TrustResult, 0, n)
	for i := len(trs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, trs[i])
	}
	return out, nil
}

func (m *MemStore) LatestTrustPerSensor(ctx context.Context) (map[int]types.TrustResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int]types.TrustResult, len(m.sensors))
	for id := range m.sensors {
		if trs := m.trust[id]; len(trs) > 0 {
			out[id] = trs[len(trs)-1]
		}
	}
	return out, nil
}

func (m *MemStore) OpenTicketForSensor(ctx context.Context, sensorID int) (types.Ticket, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.sensors[sensorID]; !ok {
		return types.Ticket{}, false, ErrUnknownSensor
	}
	for _, tid := range m.ticketIDs {
		t := m.tickets[tid]
		if t.SensorID == sensorID && t.Status == types.TicketOpen {
			return t, true, nil
		}
	}
	return types.Ticket{}, false, nil
}

func (m *MemStore) SaveTicket(ctx context.Context, t types.Ticket) (types.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sensors[t.SensorID]; !ok {
		return types.Ticket{}, ErrUnknownSensor
	}

	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		m.ticketIDs = append(m.ticketIDs, t.ID)
	} else if _, exists := m.tickets[t.ID]; !exists {
		return types.Ticket{}, ErrUnknownTicket
	}
	t.UpdatedAt = now
	m.tickets[t.ID] = t
	return t, nil
}

func (m *MemStore) TicketByID(ctx context.Context, id string) (types.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tickets[id]
	if !ok {
		return types.Ticket{}, ErrUnknownTicket
	}
	return t, nil
}

func (m *MemStore) ListTickets(ctx context.Context, status *types.TicketStatus) ([]types.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Ticket, 0, len(m.ticketIDs))
	for _, tid := range m.ticketIDs {
		t := m.tickets[tid]
		if status != nil && t.Status != *status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *MemStore) TicketStats(ctx context.Context) (types.TicketStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats types.TicketStats
	for _, tid := range m.ticketIDs {
		switch m.tickets[tid].Status {
		case types.TicketOpen:
			stats.Open++
		case types.TicketInProgress:
			stats.InProgress++
		case types.TicketResolved:
			stats.Resolved++
		}
		stats.Total++
	}
	return stats, nil
}

func (m *MemStore) DashboardSummary(ctx context.Context) (types.DashboardSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := types.DashboardSummary{
		Sensors:     len(m.sensors),
		ByStatus:    make(map[types.TrustStatus]int),
		BySeverity:  make(map[types.Severity]int),
		GeneratedAt: time.Now().UTC(),
	}
	for id := range m.sensors {
		trs := m.trust[id]
		if len(trs) == 0 {
			continue
		}
		latest := trs[len(trs)-1]
		summary.ByStatus[latest.Status]++
		summary.BySeverity[latest.Severity]++
	}
	for _, tid := range m.ticketIDs {
		if m.tickets[tid].Status == types.TicketOpen {
			summary.OpenTickets++
		}
	}
	return summary, nil
}

func (m *MemStore) ZoneStatistics(ctx context.Context) ([]types.ZoneStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byZone := make(map[string]*types.ZoneStatistics)
	for id, s := range m.sensors {
		zs, ok := byZone[s.Zone]
		if !ok {
			zs = &types.ZoneStatistics{Zone: s.Zone}
			byZone[s.Zone] = zs
		}
		zs.Total++

		trs := m.trust[id]
		if len(trs) == 0 {
			continue
		}
		switch trs[len(trs)-1].Status {
		case types.StatusHealthy:
			zs.Healthy++
		case types.StatusWarning:
			zs.Warning++
		case types.StatusAnomalous:
			zs.Anomalous++
		}
	}

	zones := make([]string, 0, len(byZone))
	for z := range byZone {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	out := make([]types.ZoneStatistics, 0, len(zones))
	for _, z := range zones {
		out = append(out, *byZone[z])
	}
	return out, nil
}
