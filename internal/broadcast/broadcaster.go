// Package broadcast implements the event fan-out surface: four logical
// topics delivered to global and per-sensor subscribers over bounded
// buffers. A slow subscriber loses its oldest pending events; it never
// blocks the ingest path.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soilsense/trustd/internal/types"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

// dashboardMinInterval coalesces dashboard.update into a low-rate tick.
const dashboardMinInterval = 500 * time.Millisecond

// Subscription is a live event feed. Receive from C until it is closed
// by Unsubscribe.
type Subscription struct {
	ID uuid.UUID
	C  <-chan types.Event

	ch       chan types.Event
	sensorID int // 0 means all sensors
}

// Broadcaster owns one bounded outbound buffer per subscriber and a
// monotone sequence counter per topic.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	seq    map[types.EventType]uint64
	buffer int
	logger *zap.SugaredLogger

	lastDashboard    time.Time
	dashboardPending bool
}

// New creates a broadcaster with the default per-subscriber buffer.
func New(logger *zap.SugaredLogger) *Broadcaster {
	return NewSized(logger, defaultBufferSize)
}

// NewSized creates a broadcaster with an explicit per-subscriber buffer
// size; small buffers are useful in tests of the drop-oldest policy.
func NewSized(logger *zap.SugaredLogger, buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		subs:   make(map[uuid.UUID]*Subscription),
		seq:    make(map[types.EventType]uint64),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a global observer receiving every event.
func (b *Broadcaster) Subscribe() *Subscription {
	return b.subscribe(0)
}

// SubscribeSensor registers an observer receiving only reading.new and
// trust.updated events for the given sensor.
func (b *Broadcaster) SubscribeSensor(sensorID int) *Subscription {
	return b.subscribe(sensorID)
}

func (b *Broadcaster) subscribe(sensorID int) *Subscription {
	sub := &Subscription{
		ID:       uuid.New(),
		ch:       make(chan types.Event, b.buffer),
		sensorID: sensorID,
	}
	sub.C = sub.ch

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the observer and releases its buffer. It is safe
// to call at any time and never blocks publishers.
func (b *Broadcaster) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish stamps the event with its per-topic sequence number and fans
// it out. Delivery is best-effort: a full subscriber buffer drops its
// oldest pending event in preference to blocking.
func (b *Broadcaster) Publish(eventType types.EventType, sensorID int, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.publishLocked(eventType, sensorID, payload)
}

func (b *Broadcaster) publishLocked(eventType types.EventType, sensorID int, payload interface{}) {
	b.seq[eventType]++
	ev := types.Event{
		Type:     eventType,
		Seq:      b.seq[eventType],
		SensorID: sensorID,
		Payload:  payload,
		At:       time.Now().UTC(),
	}

	for _, sub := range b.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: drop the oldest pending event, then retry
			// once. Backpressure falls on the subscriber, not upstream.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// PublishDashboard emits a coalesced dashboard.update tick. Bursts of
// ingests within the coalescing interval collapse into one deferred
// event.
func (b *Broadcaster) PublishDashboard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if since := now.Sub(b.lastDashboard); since < dashboardMinInterval {
		if !b.dashboardPending {
			b.dashboardPending = true
			time.AfterFunc(dashboardMinInterval-since, func() {
				b.mu.Lock()
				defer b.mu.Unlock()
				b.dashboardPending = false
				b.lastDashboard = time.Now()
				b.publishLocked(types.EventDashboardUpdate, 0, nil)
			})
		}
		return
	}

	b.lastDashboard = now
	b.publishLocked(types.EventDashboardUpdate, 0, nil)
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *Subscription) wants(ev types.Event) bool {
	if s.sensorID == 0 {
		return true
	}
	// Per-sensor subscriptions carry only the per-sensor topics.
	if ev.Type != types.EventReadingNew && ev.Type != types.EventTrustUpdated {
		return false
	}
	return ev.SensorID == s.sensorID
}
