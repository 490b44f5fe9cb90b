// Package metrics aggregates flow and step measurements in memory and
// exports them periodically over a pluggable backend.
package metrics

import (
	"sync"
	"time"
)

// DefaultMaxHistory bounds how many observations each value key retains
// for stats computation.
const DefaultMaxHistory = 1024

// Stats summarizes the retained observations for one key.
type Stats struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

// Snapshot is a point-in-time copy of the registry, shaped to match the
// HTTP JSON export format.
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Counters  map[string]int64   `json:"counters"`
	Values    map[string]float64 `json:"values"`
	Stats     map[string]Stats   `json:"stats"`
}

// Registry holds counters, gauges, and bounded value histories. All
// methods are safe for concurrent use; reads take a shared lock so the
// recording hot path never waits on exports.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	values     map[string][]float64
	maxHistory int
}

// NewRegistry returns an empty registry retaining up to DefaultMaxHistory
// observations per value key.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		values:     make(map[string][]float64),
		maxHistory: DefaultMaxHistory,
	}
}

// IncrCounter adds delta to the named counter.
func (r *Registry) IncrCounter(name string, delta int64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

// SetGauge sets the named gauge to the given value.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// AddGauge adjusts the named gauge by delta.
func (r *Registry) AddGauge(name string, delta float64) {
	r.mu.Lock()
	r.gauges[name] += delta
	r.mu.Unlock()
}

// Observe appends a value to the named history, evicting the oldest
// observation once the history is full.
func (r *Registry) Observe(name string, value float64) {
	r.mu.Lock()
	history := append(r.values[name], value)
	if len(history) > r.maxHistory {
		history = history[1:]
	}
	r.values[name] = history
	r.mu.Unlock()
}

// Counter returns the current value of the named counter.
func (r *Registry) Counter(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// Gauge returns the current value of the named gauge.
func (r *Registry) Gauge(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// Snapshot deep-copies the registry state and computes per-key stats.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		Counters:  make(map[string]int64, len(r.counters)),
		Values:    make(map[string]float64, len(r.gauges)),
		Stats:     make(map[string]Stats, len(r.values)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.gauges {
		snap.Values[k] = v
	}
	for k, history := range r.values {
		if len(history) == 0 {
			continue
		}
		snap.Stats[k] = computeStats(history)
	}
	return snap
}

// Reset clears all metrics. Useful for testing.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.counters = make(map[string]int64)
	r.gauges = make(map[string]float64)
	r.values = make(map[string][]float64)
	r.mu.Unlock()
}

func computeStats(history []float64) Stats {
	s := Stats{
		Count: int64(len(history)),
		Min:   history[0],
		Max:   history[0],
	}
	sum := 0.0
	for _, v := range history {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Mean = sum / float64(len(history))
	return s
}
