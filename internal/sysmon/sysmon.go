// Package sysmon samples process resource usage on a fixed interval and
// keeps a bounded rolling history, grounded on the Python original's
// SystemMonitor (spec.md section 1, "external collaborator"). Unlike
// the original, which samples OS-wide CPU/disk/network via psutil, this
// samples only what the Go standard library exposes about the running
// process (runtime.MemStats, runtime.NumGoroutine) — no repo in the
// retrieval pack imports an OS-metrics library, so this is the one
// component built on stdlib by necessity rather than by default (see
// DESIGN.md).
package sysmon

import (
	"runtime"
	"sync"
	"time"
)

const (
	maxHistory       = 1440
	collectInterval  = 60 * time.Second
)

// Sample is a single point-in-time resource reading.
type Sample struct {
	Timestamp     time.Time `json:"timestamp"`
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	HeapSysMB     float64   `json:"heap_sys_mb"`
	TotalAllocMB  float64   `json:"total_alloc_mb"`
	NumGC         uint32    `json:"num_gc"`
}

// Monitor periodically samples runtime resource usage into a bounded,
// mutex-guarded ring buffer.
type Monitor struct {
	mu      sync.Mutex
	history []Sample

	stopCh  chan struct{}
	stopped chan struct{}
}

// New creates a Monitor and starts its background collector.
func New() *Monitor {
	m := &Monitor{
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	m.record()
	go m.collectLoop()
	return m
}

func (m *Monitor) collectLoop() {
	defer close(m.stopped)
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.record()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) record() {
	s := m.sample()
	m.mu.Lock()
	m.history = append(m.history, s)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.mu.Unlock()
}

func (m *Monitor) sample() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mib = 1024 * 1024
	return Sample{
		Timestamp:    time.Now().UTC(),
		Goroutines:   runtime.NumGoroutine(),
		HeapAllocMB:  float64(ms.HeapAlloc) / mib,
		HeapSysMB:    float64(ms.HeapSys) / mib,
		TotalAllocMB: float64(ms.TotalAlloc) / mib,
		NumGC:        ms.NumGC,
	}
}

// Current returns a fresh sample without waiting for the next collector
// tick, matching the Python original's get_current semantics.
func (m *Monitor) Current() Sample {
	return m.sample()
}

// History returns up to the last `since` duration of samples, newest
// last. A zero duration returns the full bounded history.
func (m *Monitor) History(since time.Duration) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	if since <= 0 {
		out := make([]Sample, len(m.history))
		copy(out, m.history)
		return out
	}

	cutoff := time.Now().UTC().Add(-since)
	var out []Sample
	for _, s := range m.history {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Shutdown stops the background collector.
func (m *Monitor) Shutdown() {
	close(m.stopCh)
	<-m.stopped
}
