package telemetry

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Sink consumes events. Handle is called from a single goroutine per sink.
type Sink interface {
	Name() string
	Handle(e Event) error
}

// DefaultBuffer is the per-sink queue length.
const DefaultBuffer = 256

type queue struct {
	sink    Sink
	events  chan Event
	dropped atomic.Uint64
}

// Hub fans events out to its sinks. Each sink drains its own queue, so a slow
// sink only delays itself. A full queue drops samples and status readings for
// that sink; any other event waits for room.
type Hub struct {
	log    logrus.FieldLogger
	buffer int
	onDrop func(sink string, t EventType)

	mutex  sync.RWMutex
	queues []*queue
	closed bool
	wg     sync.WaitGroup
}

func NewHub(log logrus.FieldLogger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	return &Hub{log: log, buffer: buffer}
}

// OnDrop registers a callback invoked for every dropped event.
// It must be set before events are published.
func (h *Hub) OnDrop(fn func(sink string, t EventType)) {
	h.onDrop = fn
}

// Attach starts delivering events to s. Attaching to a closed hub is a no-op.
func (h *Hub) Attach(s Sink) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return
	}

	q := &queue{sink: s, events: make(chan Event, h.buffer)}
	h.queues = append(h.queues, q)

	h.wg.Add(1)
	go h.drain(q)
}

// Publish queues e on every sink.
func (h *Hub) Publish(e Event) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.closed {
		return
	}

	for _, q := range h.queues {
		if !e.Type.droppable() {
			q.events <- e
			continue
		}

		select {
		case q.events <- e:
		default:
			n := q.dropped.Add(1)
			h.log.WithFields(logrus.Fields{"sink": q.sink.Name(), "type": e.Type, "dropped": n}).
				Debug("sink queue full, event dropped")
			if h.onDrop != nil {
				h.onDrop(q.sink.Name(), e.Type)
			}
		}
	}
}

// Dropped returns how many events were dropped for the named sink.
func (h *Hub) Dropped(sink string) uint64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var n uint64
	for _, q := range h.queues {
		if q.sink.Name() == sink {
			n += q.dropped.Load()
		}
	}
	return n
}

// Close delivers the queued events and stops the sink goroutines.
func (h *Hub) Close() {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return
	}
	h.closed = true
	for _, q := range h.queues {
		close(q.events)
	}
	h.mutex.Unlock()

	h.wg.Wait()
}

func (h *Hub) drain(q *queue) {
	defer h.wg.Done()

	for e := range q.events {
		if err := q.sink.Handle(e); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{"sink": q.sink.Name(), "type": e.Type}).
				Warn("sink failed")
		}
	}
}
