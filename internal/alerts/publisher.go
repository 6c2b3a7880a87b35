package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultQueueSize      = 64
	defaultPublishTimeout = 5 * time.Second
)

// QueuedPublisher hands alerts to a wrapped Publisher on its own goroutine
// so evaluation never waits on the network. Alerts are dropped, and logged,
// while the queue is full.
type QueuedPublisher struct {
	next    Publisher
	timeout time.Duration
	log     *logrus.Entry

	mu      sync.Mutex
	closed  bool
	queue   chan models.AlertEvent
	done    chan struct{}
	dropped int
}

// NewQueuedPublisher starts the delivery goroutine for next. size <= 0 uses
// a default queue of 64 alerts.
func NewQueuedPublisher(next Publisher, size int, log *logrus.Entry) *QueuedPublisher {
	if size <= 0 {
		size = defaultQueueSize
	}
	if log == nil {
		log = logging.Component(nil, "alerts")
	}
	q := &QueuedPublisher{
		next:    next,
		timeout: defaultPublishTimeout,
		log:     log,
		queue:   make(chan models.AlertEvent, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Publish queues ev. It never blocks.
func (q *QueuedPublisher) Publish(_ context.Context, ev models.AlertEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	select {
	case q.queue <- ev:
	default:
		q.dropped++
		q.log.WithField("alert", ev.ID).Warn("alert queue full, dropping alert")
	}
	return nil
}

// Dropped is the number of alerts discarded because the queue was full.
func (q *QueuedPublisher) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close delivers what is queued and stops the goroutine.
func (q *QueuedPublisher) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.queue)
	q.mu.Unlock()
	<-q.done
}

func (q *QueuedPublisher) run() {
	defer close(q.done)
	for ev := range q.queue {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.next.Publish(ctx, ev); err != nil {
			q.log.WithError(err).WithField("alert", ev.ID).Warn("publishing alert")
		}
		cancel()
	}
}
