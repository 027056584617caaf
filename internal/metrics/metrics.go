// Package metrics is a small in-process collector exposed over the control
// API. The agent runs on back-office hardware next to the till, so there is
// no scrape target to push to; counters live in memory and reset on restart.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Canonical metric names.
const (
	FramesReceived     = "frames_received"
	TransactionsStored = "transactions_stored"
	IncompleteParses   = "incomplete_parses"
	UnknownCommands    = "unknown_commands"
	GapsDetected       = "gaps_detected"
	Deliveries         = "deliveries"
	DeliveryFailures   = "delivery_failures"
	StorageErrors      = "storage_errors"
	StreamDisconnects  = "stream_disconnects"
	PendingQueueDepth  = "pending_queue_depth"
)

// Health component names.
const (
	ComponentTransport = "transport"
	ComponentStore     = "store"
	ComponentSync      = "sync"
)

// Metrics collects counters, gauges and component health flags.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]*int64
	gauges   map[string]*int64
	health   map[string]*int64

	startTime time.Time
}

// New creates an empty collector.
func New() *Metrics {
	return &Metrics{
		counters:  make(map[string]*int64),
		gauges:    make(map[string]*int64),
		health:    make(map[string]*int64),
		startTime: time.Now(),
	}
}

func (m *Metrics) slot(table map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := table[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Check again to avoid race conditions
	if v, ok = table[name]; !ok {
		var n int64
		v = &n
		table[name] = v
	}
	return v
}

// Inc increments a counter by 1.
func (m *Metrics) Inc(name string) {
	m.IncBy(name, 1)
}

// IncBy increments a counter by value.
func (m *Metrics) IncBy(name string, value int64) {
	atomic.AddInt64(m.slot(m.counters, name), value)
}

// SetGauge sets a gauge to a point-in-time value.
func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.slot(m.gauges, name), value)
}

// SetHealth sets a component's health flag (0 = unhealthy, 1 = healthy).
func (m *Metrics) SetHealth(component string, healthy bool) {
	var v int64
	if healthy {
		v = 1
	}
	atomic.StoreInt64(m.slot(m.health, component), v)
}

// Healthy reports whether every registered component is healthy.
func (m *Metrics) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.health {
		if atomic.LoadInt64(v) == 0 {
			return false
		}
	}
	return true
}

// Snapshot is a point-in-time copy of every metric.
type Snapshot struct {
	Counters      map[string]int64 `json:"counters"`
	Gauges        map[string]int64 `json:"gauges"`
	Health        map[string]bool  `json:"health"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// GetSnapshot copies all metrics for serving over the control API.
func (m *Metrics) GetSnapshot() Snapshot {
	snap := Snapshot{
		Counters:      make(map[string]int64),
		Gauges:        make(map[string]int64),
		Health:        make(map[string]bool),
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, v := range m.counters {
		snap.Counters[name] = atomic.LoadInt64(v)
	}
	for name, v := range m.gauges {
		snap.Gauges[name] = atomic.LoadInt64(v)
	}
	for name, v := range m.health {
		snap.Health[name] = atomic.LoadInt64(v) == 1
	}
	return snap
}
