package eventbus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/logger"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 100

var droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pixelarr_eventbus_dropped_total",
	Help: "Events not delivered because a subscriber's buffer was full",
}, []string{"event_type"})

// Publisher defines the interface for publishing events.
// This interface enables testing with mock implementations.
type Publisher interface {
	Publish(event domain.Event) error
	Subscribe(eventType domain.EventType, handler func(domain.Event))
}

// Ensure EventBus implements Publisher
var _ Publisher = (*EventBus)(nil)

type EventBus struct {
	db          *sql.DB
	subscribers map[domain.EventType][]chan domain.Event
	wildcard    []chan domain.Event
	mu          sync.RWMutex
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewEventBus(db *sql.DB) *EventBus {
	return &EventBus{
		db:          db,
		subscribers: make(map[domain.EventType][]chan domain.Event),
		stopChan:    make(chan struct{}),
	}
}

// Publish stores the event (unless its type is transient) and hands it to
// every matching subscriber without blocking.
func (eb *EventBus) Publish(event domain.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	if !event.EventType.Transient() {
		logger.Debugf("EventBus: Publishing event %s (AggregateID: %s)", event.EventType, event.AggregateID)

		eventDataJSON, err := json.Marshal(event.EventData)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		res, err := db.ExecWithRetry(eb.db, `
			INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data, event_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			event.AggregateType, event.AggregateID, string(event.EventType), string(eventDataJSON),
			event.EventVersion, db.FormatTime(event.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to persist event: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			event.ID = id
		}
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	deliver := func(ch chan domain.Event) {
		select {
		case ch <- event:
		default:
			// Non-blocking, drop if buffer full to prevent blocking the publisher
			droppedTotal.WithLabelValues(string(event.EventType)).Inc()
		}
	}
	for _, ch := range eb.subscribers[event.EventType] {
		deliver(ch)
	}
	for _, ch := range eb.wildcard {
		deliver(ch)
	}
	return nil
}

// Subscribe calls handler, on a dedicated goroutine, for every event of
// eventType published after this call.
func (eb *EventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	eb.mu.Unlock()

	eb.run(ch, handler)
}

// SubscribeAll is Subscribe for every event type.
func (eb *EventBus) SubscribeAll(handler func(domain.Event)) {
	ch := make(chan domain.Event, subscriberBuffer)

	eb.mu.Lock()
	eb.wildcard = append(eb.wildcard, ch)
	eb.mu.Unlock()

	eb.run(ch, handler)
}

func (eb *EventBus) run(ch chan domain.Event, handler func(domain.Event)) {
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return // Channel closed
				}
				handler(event)
			case <-eb.stopChan:
				return // Shutdown signal received
			}
		}
	}()
}

// Shutdown stops all subscriber goroutines and waits for them to finish
func (eb *EventBus) Shutdown() {
	eb.stopOnce.Do(func() { close(eb.stopChan) })
	eb.wg.Wait()
	logger.Infof("EventBus shutdown complete")
}
