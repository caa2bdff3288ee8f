// Package journal implements the alert and traffic journals: append-only
// date-partitioned record sinks with a buffered asynchronous flush,
// grounded on the Python original's AlertManager and RequestLogger
// (spec.md section 4, "Alert Journal and Traffic Journal").
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// truncate caps s at n runes, matching the Python original's string
// slicing truncation (spec.md section 3: path <=500, user_agent <=100,
// matched_rule <=200).
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// AlertEntry is a single alert journal record (spec.md section 3).
type AlertEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id,omitempty"`
	Module      string    `json:"module"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason"`
	IP          string    `json:"ip"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	UserAgent   string    `json:"user_agent"`
	MatchedRule string    `json:"matched_rule"`
	StatusCode  *int      `json:"status_code,omitempty"`
}

// TrafficEntry is a single traffic journal record.
type TrafficEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id,omitempty"`
	IP          string    `json:"ip"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	UserAgent   string    `json:"user_agent"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason,omitempty"`
	Module      string    `json:"module,omitempty"`
	MatchedRule string    `json:"matched_rule,omitempty"`
	StatusCode  *int      `json:"status_code,omitempty"`
}

// Journal buffers entries per calendar date in memory and periodically
// flushes each date's buffer to its own file via temp+rename, matching
// the Python original's per-date file layout and atomic-write pattern.
type Journal[T any] struct {
	dir    string
	suffix string
	logger *zap.Logger
	now    func() time.Time

	pendingMu sync.Mutex
	pending   map[string][]T

	fileMu sync.Mutex

	stopCh  chan struct{}
	stopped chan struct{}
}

func newJournal[T any](dir, suffix string, logger *zap.Logger) (*Journal[T], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal[T]{
		dir:     dir,
		suffix:  suffix,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string][]T),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go j.flushLoop(2 * time.Second)
	return j, nil
}

func (j *Journal[T]) dateStr() string { return j.now().UTC().Format("2006-01-02") }

func (j *Journal[T]) fileFor(date string) string {
	return filepath.Join(j.dir, date+"-"+j.suffix+".json")
}

// append enqueues entry into today's pending buffer, to be persisted by
// the next flush tick.
func (j *Journal[T]) append(entry T) {
	date := j.dateStr()
	j.pendingMu.Lock()
	j.pending[date] = append(j.pending[date], entry)
	j.pendingMu.Unlock()
}

func (j *Journal[T]) flushLoop(interval time.Duration) {
	defer close(j.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.flush()
		case <-j.stopCh:
			j.flush()
			return
		}
	}
}

func (j *Journal[T]) flush() {
	j.pendingMu.Lock()
	if len(j.pending) == 0 {
		j.pendingMu.Unlock()
		return
	}
	pending := j.pending
	j.pending = make(map[string][]T)
	j.pendingMu.Unlock()

	for date, entries := range pending {
		if len(entries) == 0 {
			continue
		}
		j.fileMu.Lock()
		existing := j.loadUnsafe(date)
		existing = append(existing, entries...)
		if err := atomicWriteJSON(j.fileFor(date), existing); err != nil {
			j.logger.Warn("failed to persist journal entries, retrying next flush", zap.String("date", date), zap.Error(err))
			j.pendingMu.Lock()
			j.pending[date] = append(entries, j.pending[date]...)
			j.pendingMu.Unlock()
		}
		j.fileMu.Unlock()
	}
}

func (j *Journal[T]) loadUnsafe(date string) []T {
	var out []T
	data, err := os.ReadFile(j.fileFor(date))
	if err != nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		j.logger.Warn("failed to parse existing journal file", zap.String("date", date), zap.Error(err))
		return nil
	}
	return out
}

// Load returns the persisted entries for date (today if empty).
func (j *Journal[T]) Load(date string) []T {
	if date == "" {
		date = j.dateStr()
	}
	j.fileMu.Lock()
	defer j.fileMu.Unlock()
	return j.loadUnsafe(date)
}

// Clear truncates today's file.
func (j *Journal[T]) Clear() error {
	date := j.dateStr()
	j.fileMu.Lock()
	defer j.fileMu.Unlock()
	path := j.fileFor(date)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(path)
}

// Shutdown stops the flusher after a final drain.
func (j *Journal[T]) Shutdown() {
	close(j.stopCh)
	<-j.stopped
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Alerts wraps Journal[AlertEntry] with the alert-specific write/read
// API from spec.md section 4 and section 6.
type Alerts struct {
	j *Journal[AlertEntry]
}

// NewAlerts creates the alert journal rooted at dir.
func NewAlerts(dir string, logger *zap.Logger) (*Alerts, error) {
	j, err := newJournal[AlertEntry](dir, "alerts", logger)
	if err != nil {
		return nil, err
	}
	return &Alerts{j: j}, nil
}

// Log records a block alert for a single detection module, with the
// path/user-agent/matched-rule truncation from spec.md section 3.
func (a *Alerts) Log(requestID, module, reason, ip, method, path, userAgent, matchedRule string, statusCode *int) {
	a.j.append(AlertEntry{
		Timestamp:   time.Now().UTC(),
		RequestID:   requestID,
		Module:      module,
		Action:      "block",
		Reason:      reason,
		IP:          ip,
		Method:      method,
		Path:        truncate(path, 500),
		UserAgent:   truncate(userAgent, 100),
		MatchedRule: truncate(matchedRule, 200),
		StatusCode:  statusCode,
	})
}

// Recent returns the last `limit` alerts across every journal file on
// or after a 7-day lookback window, matching get_alerts' ordering.
func (a *Alerts) Recent(limit int) []AlertEntry {
	all := a.loadRange(7)
	if limit > 0 && len(all) > limit {
		return all[len(all)-limit:]
	}
	return all
}

// ByIP filters Recent results to a single IP.
func (a *Alerts) ByIP(ip string, limit int) []AlertEntry {
	all := a.loadRange(7)
	var filtered []AlertEntry
	for _, e := range all {
		if e.IP == ip {
			filtered = append(filtered, e)
		}
	}
	if limit > 0 && len(filtered) > limit {
		return filtered[len(filtered)-limit:]
	}
	return filtered
}

func (a *Alerts) loadRange(days int) []AlertEntry {
	var all []AlertEntry
	now := time.Now().UTC()
	for i := days; i >= 0; i-- {
		date := now.AddDate(0, 0, -i).Format("2006-01-02")
		all = append(all, a.j.Load(date)...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all
}

// Clear truncates today's alert file.
func (a *Alerts) Clear() error { return a.j.Clear() }

// Shutdown stops the alert flusher after a final drain.
func (a *Alerts) Shutdown() { a.j.Shutdown() }

// Traffic wraps Journal[TrafficEntry].
type Traffic struct {
	j *Journal[TrafficEntry]
}

// NewTraffic creates the traffic journal rooted at dir.
func NewTraffic(dir string, logger *zap.Logger) (*Traffic, error) {
	j, err := newJournal[TrafficEntry](dir, "traffic", logger)
	if err != nil {
		return nil, err
	}
	return &Traffic{j: j}, nil
}

// Log records one traffic entry (allow or block).
func (t *Traffic) Log(requestID, ip, method, path, userAgent, action, reason, module, matchedRule string, statusCode *int) {
	t.j.append(TrafficEntry{
		Timestamp:   time.Now().UTC(),
		RequestID:   requestID,
		IP:          ip,
		Method:      method,
		Path:        truncate(path, 500),
		UserAgent:   truncate(userAgent, 100),
		Action:      action,
		Reason:      reason,
		Module:      module,
		MatchedRule: truncate(matchedRule, 200),
		StatusCode:  statusCode,
	})
}

// Shutdown stops the traffic flusher after a final drain.
func (t *Traffic) Shutdown() { t.j.Shutdown() }

// NewRequestID mints a UUIDv4 trace ID (SPEC_FULL.md section 3
// expansion).
func NewRequestID() string { return uuid.NewString() }

// ParseLimit parses an HTTP "limit" query parameter, returning def when
// it is empty, not an integer, or not positive.
func ParseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
