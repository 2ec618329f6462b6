// Package tickets manages the maintenance ticket lifecycle: deduplicated
// creation on anomaly, monotonic severity raises, and the
// Open -> InProgress -> Resolved state machine.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soilsense/trustd/internal/broadcast"
	"github.com/soilsense/trustd/internal/store"
	"github.com/soilsense/trustd/internal/types"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned for a ticket state change the state
// machine does not permit.
var ErrInvalidTransition = errors.New("invalid ticket state transition")

// Manager owns ticket state changes, serialised per sensor. Anomaly
// reconciliation and API-driven status updates are both read-modify-
// write sequences; the per-sensor lock keeps the at-most-one-open
// invariant and makes Resolved a terminal state even when the two race.
type Manager struct {
	store       store.Store
	broadcaster *broadcast.Broadcaster
	logger      *zap.SugaredLogger

	mu          sync.Mutex
	sensorLocks map[int]*sync.Mutex
}

// NewManager creates a ticket manager.
func NewManager(st store.Store, bc *broadcast.Broadcaster, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		store:       st,
		broadcaster: bc,
		logger:      logger,
		sensorLocks: make(map[int]*sync.Mutex),
	}
}

// OnAnomalous records a detected fault. If the sensor already has an
// open ticket its issue is refreshed and its severity raised (never
// lowered); otherwise a new open ticket is created.
func (m *Manager) OnAnomalous(ctx context.Context, sensorID int, issue string, severity types.Severity) (types.Ticket, error) {
	lock := m.sensorLock(sensorID)
	lock.Lock()
	defer lock.Unlock()

	existing, found, err := m.store.OpenTicketForSensor(ctx, sensorID)
	if err != nil {
		return types.Ticket{}, fmt.Errorf("checking open ticket: %w", err)
	}

	var ticket types.Ticket
	if found {
		existing.Issue = issue
		existing.Severity = types.MaxSeverity(existing.Severity, severity)
		ticket, err = m.store.SaveTicket(ctx, existing)
	} else {
		ticket, err = m.store.SaveTicket(ctx, types.Ticket{
			SensorID:  sensorID,
			Issue:     issue,
			Severity:  severity,
			Status:    types.TicketOpen,
			CreatedAt: time.Now().UTC(),
		})
	}
	if err != nil {
		return types.Ticket{}, fmt.Errorf("saving ticket: %w", err)
	}

	m.broadcaster.Publish(types.EventTicketChanged, ticket.SensorID, ticket)
	return ticket, nil
}

// Progress moves an open ticket to in-progress.
func (m *Manager) Progress(ctx context.Context, ticketID string) (types.Ticket, error) {
	return m.transition(ctx, ticketID, types.TicketInProgress)
}

// Resolve closes a ticket and stamps its resolution time.
func (m *Manager) Resolve(ctx context.Context, ticketID string) (types.Ticket, error) {
	return m.transition(ctx, ticketID, types.TicketResolved)
}

// UpdateStatus applies an arbitrary requested transition, validating it
// against the state machine. Used by the transport adapter.
func (m *Manager) UpdateStatus(ctx context.Context, ticketID string, status types.TicketStatus) (types.Ticket, error) {
	return m.transition(ctx, ticketID, status)
}

func (m *Manager) transition(ctx context.Context, ticketID string, next types.TicketStatus) (types.Ticket, error) {
	// The first read only identifies the sensor whose lock to take; the
	// ticket is read again under the lock before the status is judged.
	t, err := m.store.TicketByID(ctx, ticketID)
	if err != nil {
		return types.Ticket{}, err
	}

	lock := m.sensorLock(t.SensorID)
	lock.Lock()
	defer lock.Unlock()

	t, err = m.store.TicketByID(ctx, ticketID)
	if err != nil {
		return types.Ticket{}, err
	}

	if !validTransition(t.Status, next) {
		return types.Ticket{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}

	t.Status = next
	if next == types.TicketResolved {
		now := time.Now().UTC()
		t.ResolvedAt = &now
	}

	t, err = m.store.SaveTicket(ctx, t)
	if err != nil {
		return types.Ticket{}, fmt.Errorf("saving ticket: %w", err)
	}

	m.broadcaster.Publish(types.EventTicketChanged, t.SensorID, t)
	return t, nil
}

func (m *Manager) sensorLock(sensorID int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.sensorLocks[sensorID]
	if !ok {
		lock = &sync.Mutex{}
		m.sensorLocks[sensorID] = lock
	}
	return lock
}

// validTransition encodes Open -> InProgress -> Resolved, with the
// direct Open -> Resolved shortcut permitted and no way out of Resolved.
func validTransition(from, to types.TicketStatus) bool {
	switch from {
	case types.TicketOpen:
		return to == types.TicketInProgress || to == types.TicketResolved
	case types.TicketInProgress:
		return to == types.TicketResolved
	default:
		return false
	}
}

// List returns tickets, optionally filtered by status.
func (m *Manager) List(ctx context.Context, status *types.TicketStatus) ([]types.Ticket, error) {
	return m.store.ListTickets(ctx, status)
}

// Stats summarises the backlog by status.
func (m *Manager) Stats(ctx context.Context) (types.TicketStats, error) {
	return m.store.TicketStats(ctx)
}
