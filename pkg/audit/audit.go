// Package audit buffers write-only audit events in a bounded in-memory
// queue and drains them to pluggable publishers. Appending never blocks a
// state transition: when the queue is full the oldest event is dropped and
// counted.
package audit

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pureboot/pureboot/pkg/data"
)

// DefaultCapacity is the bounded queue size.
const DefaultCapacity = 10000

var droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pureboot_audit_dropped_events_total",
	Help: "Audit events dropped because the queue was full.",
})

// Publisher delivers one audit event to a destination.
type Publisher interface {
	Publish(ctx context.Context, event data.AuditEvent) error
}

// Queue is the bounded audit queue. Implements the engine's AuditSink.
type Queue struct {
	mu     sync.Mutex
	buf    []data.AuditEvent
	cap    int
	wake   chan struct{}
	log    logr.Logger
	sinks  []Publisher
}

// NewQueue returns a queue draining to the given publishers.
func NewQueue(capacity int, log logr.Logger, sinks ...Publisher) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		cap:   capacity,
		wake:  make(chan struct{}, 1),
		log:   log,
		sinks: sinks,
	}
}

// Append enqueues an event. Non-blocking; drops the oldest event when full.
func (q *Queue) Append(event data.AuditEvent) {
	q.mu.Lock()
	if len(q.buf) >= q.cap {
		q.buf = q.buf[1:]
		droppedEvents.Inc()
	}
	q.buf = append(q.buf, event)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done. Publisher failures are logged and
// the event is dropped; the queue never retries.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.buf) == 0 {
				q.mu.Unlock()
				break
			}
			event := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()

			for _, sink := range q.sinks {
				if err := sink.Publish(ctx, event); err != nil {
					q.log.Error(err, "publishing audit event", "action", event.Action)
				}
			}
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// LogPublisher writes audit events to the structured log.
type LogPublisher struct {
	Log logr.Logger
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, event data.AuditEvent) error {
	p.Log.Info("audit",
		"action", event.Action,
		"outcome", event.Outcome,
		"node", event.NodeID,
		"actor", event.Actor,
		"detail", event.Detail,
	)
	return nil
}
