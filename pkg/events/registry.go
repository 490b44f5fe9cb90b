package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxEmitters bounds how many executions can stream at once.
	DefaultMaxEmitters = 1000
	// DefaultMaxQueueSize bounds each subscriber's inbox.
	DefaultMaxQueueSize = 100
	// DefaultIdleTimeout reclaims emitters with no publish or subscribe
	// activity for this long.
	DefaultIdleTimeout = 5 * time.Second
)

// Config tunes the registry's capacity limits.
type Config struct {
	MaxEmitters  int
	MaxQueueSize int
	IdleTimeout  time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxEmitters:  DefaultMaxEmitters,
		MaxQueueSize: DefaultMaxQueueSize,
		IdleTimeout:  DefaultIdleTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxEmitters <= 0 {
		c.MaxEmitters = DefaultMaxEmitters
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	return c
}

// Registry owns one emitter per streaming execution and routes publishes
// to them. When the emitter cap is reached the least-recently-active
// emitter is evicted to make room; a background reaper completes emitters
// that have gone idle.
type Registry struct {
	mu       sync.RWMutex
	emitters map[string]*Emitter
	cfg      Config
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRegistry creates a registry and starts its idle reaper.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		emitters: make(map[string]*Emitter),
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With(slog.String("component", "events")),
		done:     make(chan struct{}),
	}

	r.wg.Add(1)
	go r.reap()
	return r
}

// Emitter returns the emitter for the execution id, creating it if
// needed. Creating beyond the cap evicts the least-recently-active
// emitter first.
func (r *Registry) Emitter(executionID string) *Emitter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitterLocked(executionID)
}

func (r *Registry) emitterLocked(executionID string) *Emitter {
	if em, ok := r.emitters[executionID]; ok {
		return em
	}

	if len(r.emitters) >= r.cfg.MaxEmitters {
		r.evictOldestLocked()
	}

	em := newEmitter(executionID, r.cfg.MaxQueueSize, r.logger)
	r.emitters[executionID] = em
	return em
}

// evictOldestLocked completes and removes the emitter with the oldest
// last-activity instant.
func (r *Registry) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, em := range r.emitters {
		at := em.LastActivity()
		if oldestID == "" || at.Before(oldest) {
			oldestID = id
			oldest = at
		}
	}
	if oldestID == "" {
		return
	}

	em := r.emitters[oldestID]
	delete(r.emitters, oldestID)
	em.Complete()

	r.logger.Warn("emitter evicted, registry full",
		slog.String("execution_id", oldestID),
		slog.Int("max_emitters", r.cfg.MaxEmitters))
}

// Subscribe attaches a subscriber to the execution's emitter, creating
// the emitter if it does not exist yet. The returned function detaches
// the subscriber and closes its channel.
func (r *Registry) Subscribe(executionID string) (<-chan Event, func()) {
	return r.Emitter(executionID).Subscribe()
}

// Publish routes the event to the emitter for event.ExecutionID, creating
// it on first emit. It returns the number of subscribers reached.
func (r *Registry) Publish(event Event) int {
	if event.ExecutionID == "" {
		return 0
	}
	return r.Emitter(event.ExecutionID).Publish(event)
}

// BroadcastDelta publishes a chat/delta event carrying the content
// fragment. Unlike Publish it never creates an emitter: with no active
// emitter there is nobody streaming, so it returns 0.
func (r *Registry) BroadcastDelta(executionID, content string) int {
	r.mu.RLock()
	em, ok := r.emitters[executionID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return em.Publish(Delta(executionID, content))
}

// Complete publishes the terminal end event for the execution, detaches
// its subscribers, and removes the emitter. Unknown ids are a no-op.
func (r *Registry) Complete(executionID string) {
	r.mu.Lock()
	em, ok := r.emitters[executionID]
	if ok {
		delete(r.emitters, executionID)
	}
	r.mu.Unlock()

	if ok {
		em.Complete()
	}
}

// ActiveEmitters returns the number of live emitters.
func (r *Registry) ActiveEmitters() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.emitters)
}

// SubscriberCount returns the number of subscribers attached to the
// execution's emitter, 0 when no emitter exists.
func (r *Registry) SubscriberCount(executionID string) int {
	r.mu.RLock()
	em, ok := r.emitters[executionID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return em.SubscriberCount()
}

// Close stops the reaper and completes every remaining emitter.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.mu.Lock()
		emitters := r.emitters
		r.emitters = make(map[string]*Emitter)
		r.mu.Unlock()

		for _, em := range emitters {
			em.Complete()
		}
	})
}

// reap periodically completes emitters whose last activity is older than
// the idle timeout.
func (r *Registry) reap() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.IdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.reapIdle(time.Now())
		}
	}
}

func (r *Registry) reapIdle(now time.Time) {
	cutoff := now.Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*Emitter
	for id, em := range r.emitters {
		if em.Completed() || em.LastActivity().Before(cutoff) {
			delete(r.emitters, id)
			idle = append(idle, em)
		}
	}
	r.mu.Unlock()

	for _, em := range idle {
		em.Complete()
		r.logger.Debug("idle emitter reaped",
			slog.String("execution_id", em.ExecutionID()),
			slog.Duration("idle_timeout", r.cfg.IdleTimeout))
	}
}
