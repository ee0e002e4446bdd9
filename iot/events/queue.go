package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relabs-tech/iotplane/core/logger"
)

// ErrQueueClosed is returned by Queue.Emit after Close
var ErrQueueClosed = errors.New("event queue is closed")

// DefaultQueueSize is the capacity of a queue created with size 0
const DefaultQueueSize = 1024

// emitTimeout bounds the delivery of one event to the wrapped sink
const emitTimeout = 10 * time.Second

// Queue is a Sink which delivers events to another sink from a single
// goroutine, in the order they were emitted. Emit only blocks while the
// queue is full.
type Queue struct {
	sink   Sink
	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	err    error
}

// NewQueue starts a queue of size events in front of sink
func NewQueue(sink Sink, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		sink:   sink,
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for e := range q.events {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		if err := q.sink.Emit(ctx, e); err != nil {
			logger.Default().WithError(err).Errorf("cannot emit %s for %s", e.Type, e.Identity)
		}
		cancel()
	}
}

// Emit implements Sink. The event is delivered later, errors of the wrapped
// sink are logged.
func (q *Queue) Emit(ctx context.Context, e Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Sink. It delivers the queued events and then closes the
// wrapped sink.
func (q *Queue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.events)
		q.mu.Unlock()
		<-q.done
		q.err = q.sink.Close()
	})
	return q.err
}
