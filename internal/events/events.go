package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const queueSize = 20

type EventType string

// Trigger events published by the points and activity handlers. The
// auto-issuance subscriber registered at startup consumes both.
const (
	EventPointsChanged     EventType = "points.changed"
	EventActivityCompleted EventType = "activity.completed"
)

type Event struct {
	Timestamp time.Time
	Data      any
	Type      EventType
}

// PointsChanged is the payload for EventPointsChanged.
type PointsChanged struct {
	UserID uint
	Delta  int
}

// ActivityCompleted is the payload for EventActivityCompleted.
type ActivityCompleted struct {
	UserID     uint
	ActivityID uint
}

func New(eventType EventType, data any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

type SubscriberID int

type HandlerFunc func(Event)

// Bus is a minimal in-process pub/sub used to decouple the points and
// activity write paths from the certificate auto-issuance checks.
type Bus struct {
	subscribers map[EventType]map[SubscriberID]chan Event
	lastSubID   SubscriberID
	mu          sync.RWMutex
	logger      *slog.Logger
	published   *prometheus.CounterVec
}

func NewBus(promRegistry prometheus.Registerer, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subscribers: make(map[EventType]map[SubscriberID]chan Event),
		logger:      logger,
	}
	if promRegistry != nil {
		b.published = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starchain_events_published_total",
				Help: "Total events published to the internal bus",
			},
			[]string{"type"},
		)
		promRegistry.MustRegister(b.published)
	}
	return b
}

// Subscribe returns a channel receiving all events of the given type.
func (b *Bus) Subscribe(eventType EventType) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSubID++
	subID := b.lastSubID
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[SubscriberID]chan Event)
	}
	ch := make(chan Event, queueSize)
	b.subscribers[eventType][subID] = ch
	return subID, ch
}

// SubscribeFunc runs handlerFunc in its own goroutine for each event of
// the given type.
func (b *Bus) SubscribeFunc(eventType EventType, handlerFunc HandlerFunc) SubscriberID {
	subID, ch := b.Subscribe(eventType)
	go func() {
		for evt := range ch {
			handlerFunc(evt)
		}
	}()
	return subID
}

// Unsubscribe stops delivery for an existing subscriber and closes its
// channel.
func (b *Bus) Unsubscribe(eventType EventType, subID SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[eventType]; ok {
		if ch, ok := subs[subID]; ok {
			delete(subs, subID)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, eventType)
		}
	}
}

// Publish delivers evt to all subscribers of its type. Delivery is
// non-blocking; a subscriber with a full queue drops the event, which is
// acceptable because the batch sweep re-derives anything missed.
func (b *Bus) Publish(evt Event) {
	if b.published != nil {
		b.published.WithLabelValues(string(evt.Type)).Inc()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for subID, ch := range b.subscribers[evt.Type] {
		select {
		case ch <- evt:
		default:
			b.logger.Warn(
				"event dropped, subscriber queue full",
				"type", evt.Type,
				"subscriber", subID,
			)
		}
	}
}
