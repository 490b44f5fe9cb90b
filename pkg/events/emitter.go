package events

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/archflow/archflow/pkg/errors"
)

// Emitter publishes events for one execution id to a set of subscribers,
// each behind a bounded queue. Publishing never blocks: a subscriber whose
// queue is full is handed an overflow marker and detached.
type Emitter struct {
	mu           sync.Mutex
	executionID  string
	createdAt    time.Time
	lastActivity time.Time
	completed    bool
	seq          uint64
	nextSubID    int
	subscribers  map[string]chan Event
	maxQueueSize int
	logger       *slog.Logger
}

func newEmitter(executionID string, maxQueueSize int, logger *slog.Logger) *Emitter {
	now := time.Now()
	return &Emitter{
		executionID:  executionID,
		createdAt:    now,
		lastActivity: now,
		subscribers:  make(map[string]chan Event),
		maxQueueSize: maxQueueSize,
		logger:       logger,
	}
}

// ExecutionID returns the execution this emitter serves.
func (e *Emitter) ExecutionID() string {
	return e.executionID
}

// Subscribe attaches a new bounded queue and returns it with an
// unsubscribe function. The channel is closed on unsubscribe, overflow
// drop, or emitter completion.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextSubID++
	id := fmt.Sprintf("sub-%d", e.nextSubID)
	ch := make(chan Event, e.maxQueueSize)

	if e.completed {
		// Late subscriber to a finished execution sees only the close.
		close(ch)
		return ch, func() {}
	}

	e.subscribers[id] = ch
	e.lastActivity = time.Now()

	unsub := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if cur, ok := e.subscribers[id]; ok && cur == ch {
			delete(e.subscribers, id)
			close(ch)
		}
	}
	return ch, unsub
}

// Publish assigns the next sequence number and timestamp, then fans the
// event out. It returns the number of subscribers reached. Events
// published after completion are dropped.
func (e *Emitter) Publish(event Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.completed {
		return 0
	}
	return e.publishLocked(event)
}

func (e *Emitter) publishLocked(event Event) int {
	e.seq++
	event.Sequence = e.seq
	event.ExecutionID = e.executionID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	e.lastActivity = time.Now()

	reached := 0
	for id, ch := range e.subscribers {
		select {
		case ch <- event:
			reached++
		default:
			e.dropSubscriberLocked(id, ch, event.Sequence)
		}
	}
	return reached
}

// dropSubscriberLocked discards the subscriber's backlog, hands it an
// overflow marker in place of the event it missed, and detaches it. Other
// subscribers are unaffected.
func (e *Emitter) dropSubscriberLocked(id string, ch chan Event, seq uint64) {
	delete(e.subscribers, id)

	dropped := 0
	for {
		select {
		case <-ch:
			dropped++
		default:
			overflow := ErrorEvent(e.executionID, errors.CodeOverflow,
				(&errors.OverflowError{ExecutionID: e.executionID, SubscriberID: id, Dropped: dropped}).Error())
			overflow.Sequence = seq
			overflow.Timestamp = time.Now().UTC()
			ch <- overflow
			close(ch)

			e.logger.Warn("subscriber dropped, queue full",
				slog.String("execution_id", e.executionID),
				slog.String("subscriber_id", id),
				slog.Int("dropped_events", dropped))
			return
		}
	}
}

// Complete publishes the terminal end event, detaches every subscriber,
// and marks the emitter terminal. Buffered events stay readable until
// each subscriber drains its closed channel. Completing twice is a no-op.
func (e *Emitter) Complete() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.completed {
		return
	}
	e.publishLocked(End(e.executionID))
	e.completed = true

	for id, ch := range e.subscribers {
		delete(e.subscribers, id)
		close(ch)
	}
}

// Completed reports whether the emitter has published its end event.
func (e *Emitter) Completed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.completed
}

// SubscriberCount returns the number of attached subscribers.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers)
}

// LastActivity returns the instant of the most recent publish or
// subscribe.
func (e *Emitter) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}
