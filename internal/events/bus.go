package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxQueueSize = 10000
	defaultIdleSleep    = 5 * time.Millisecond
)

// BusConfig holds event bus tuning knobs.
type BusConfig struct {
	MaxQueueSize int           `json:"max_queue_size"`
	IdleSleep    time.Duration `json:"idle_sleep"`
}

// DefaultBusConfig returns safe defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		MaxQueueSize: defaultMaxQueueSize,
		IdleSleep:    defaultIdleSleep,
	}
}

// BusStats is a snapshot of the bus counters. At quiescence
// processed + queued + dropped = published.
type BusStats struct {
	Published uint64 `json:"published"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
	QueueSize int    `json:"queue_size"`
}

// EventBus is the single in-process dispatcher. One background goroutine
// drains the priority queue; each popped event fans out concurrently to the
// matching handlers with isolated failure.
type EventBus struct {
	mu      sync.Mutex
	subs    map[EventType][]Handler
	allSubs []Handler
	queue   *PriorityQueue
	logger  zerolog.Logger
	config  *BusConfig

	published uint64
	processed uint64
	dropped   uint64
	errors    uint64

	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewEventBus creates a stopped event bus.
func NewEventBus(config *BusConfig, logger zerolog.Logger) *EventBus {
	if config == nil {
		config = DefaultBusConfig()
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = defaultMaxQueueSize
	}
	if config.IdleSleep <= 0 {
		config.IdleSleep = defaultIdleSleep
	}
	return &EventBus{
		subs:   make(map[EventType][]Handler),
		queue:  NewPriorityQueue(),
		config: config,
		logger: logger.With().Str("component", "EventBus").Logger(),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subs[eventType] = append(eb.subs[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (eb *EventBus) SubscribeAll(handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, handler)
}

// Unsubscribe removes a handler previously registered for an event type.
func (eb *EventBus) Unsubscribe(eventType EventType, handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subs[eventType] = removeHandler(eb.subs[eventType], handler)
}

// UnsubscribeAll removes a global handler.
func (eb *EventBus) UnsubscribeAll(handler Handler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = removeHandler(eb.allSubs, handler)
}

func removeHandler(handlers []Handler, target Handler) []Handler {
	out := handlers[:0]
	for _, h := range handlers {
		if h != target {
			out = append(out, h)
		}
	}
	return out
}

// Publish enqueues an event for dispatch. Returns false (and counts a drop)
// when the queue is at capacity; producers treat that as a recoverable error.
func (eb *EventBus) Publish(event Event) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if eb.queue.Size() >= eb.config.MaxQueueSize {
		atomic.AddUint64(&eb.dropped, 1)
		eb.logger.Warn().
			Str("event_type", string(event.Type)).
			Int("queue_size", eb.queue.Size()).
			Msg("Event dropped, queue full")
		return false
	}

	eb.queue.Put(event)
	atomic.AddUint64(&eb.published, 1)
	return true
}

// PublishSync dispatches an event to its handlers immediately, bypassing the
// queue. Only valid when the caller guarantees no concurrent dispatch is in
// flight (startup and teardown paths).
func (eb *EventBus) PublishSync(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	atomic.AddUint64(&eb.published, 1)
	eb.dispatch(event)
	atomic.AddUint64(&eb.processed, 1)
}

// Start spawns the dispatcher goroutine. Idempotent.
func (eb *EventBus) Start() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.running {
		return
	}
	eb.running = true
	eb.stopChan = make(chan struct{})
	eb.done = make(chan struct{})

	go eb.dispatchLoop(eb.stopChan, eb.done)
	eb.logger.Info().Int("max_queue_size", eb.config.MaxQueueSize).Msg("Event bus started")
}

// Stop signals the dispatcher to exit after its current iteration and waits
// for in-flight fan-outs to settle. Idempotent.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return
	}
	eb.running = false
	close(eb.stopChan)
	done := eb.done
	eb.mu.Unlock()

	<-done
	eb.logger.Info().Msg("Event bus stopped")
}

// IsRunning reports whether the dispatcher loop is active.
func (eb *EventBus) IsRunning() bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return eb.running
}

// dispatchLoop pops one event at a time and fans it out. Empty-queue
// iterations sleep briefly to avoid a busy loop.
func (eb *EventBus) dispatchLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		event, ok := eb.queue.Pop()
		if !ok {
			select {
			case <-stop:
				return
			case <-time.After(eb.config.IdleSleep):
			}
			continue
		}

		eb.dispatch(event)
		atomic.AddUint64(&eb.processed, 1)
	}
}

// dispatch fans an event out to every matching handler concurrently and
// waits for all of them to settle. A failing handler is routed through its
// own OnError and never affects peers.
func (eb *EventBus) dispatch(event Event) {
	eb.mu.Lock()
	handlers := make([]Handler, 0, len(eb.subs[event.Type])+len(eb.allSubs))
	handlers = append(handlers, eb.subs[event.Type]...)
	handlers = append(handlers, eb.allSubs...)
	eb.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		if !h.CanHandle(event.Type) {
			continue
		}
		wg.Add(1)
		go func(handler Handler) {
			defer wg.Done()
			eb.invoke(handler, event)
		}(h)
	}
	wg.Wait()
}

func (eb *EventBus) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&eb.errors, 1)
			err := fmt.Errorf("handler panic: %v", r)
			eb.logger.Error().
				Str("event_type", string(event.Type)).
				Str("source", event.Source).
				Msg(err.Error())
			handler.OnError(event, err)
		}
	}()

	if err := handler.Handle(event); err != nil {
		atomic.AddUint64(&eb.errors, 1)
		handler.OnError(event, err)
	}
}

// QueueSize returns the number of events waiting for dispatch.
func (eb *EventBus) QueueSize() int {
	return eb.queue.Size()
}

// Stats returns a snapshot of the bus counters.
func (eb *EventBus) Stats() BusStats {
	return BusStats{
		Published: atomic.LoadUint64(&eb.published),
		Processed: atomic.LoadUint64(&eb.processed),
		Dropped:   atomic.LoadUint64(&eb.dropped),
		Errors:    atomic.LoadUint64(&eb.errors),
		QueueSize: eb.queue.Size(),
	}
}
