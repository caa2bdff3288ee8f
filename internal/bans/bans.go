// Package bans implements the Ban Store: an authoritative, in-memory
// map of banned addresses with TTL expiry, whitelist override, and
// durable write-through persistence (spec.md section 4.4).
package bans

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Record is the persisted shape of a single ban.
type Record struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// Entry is a snapshot row returned by ListActive/ListAll.
type Entry struct {
	IP     string    `json:"ip"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
	Active bool      `json:"active"`
}

type cacheEntry struct {
	banned bool
	reason string
	expiry time.Time
}

// clock is overridable in tests.
type clock func() time.Time

// Store is the Ban Store component.
type Store struct {
	bansFile      string
	whitelistFile string
	defaultMins   int
	logger        *zap.Logger
	now           clock

	mu        sync.Mutex
	bans      map[string]Record
	whitelist map[string]struct{}

	readCache   map[string]cacheEntry
	readCacheMu sync.Mutex
	readCacheTTL time.Duration

	dirty   bool
	stopCh  chan struct{}
	stopped chan struct{}
}

const defaultReadCacheTTL = 5 * time.Second

// New loads bans and the whitelist from disk (tolerating missing
// files as empty) and starts the background persistence flusher.
func New(bansFile, whitelistFile string, defaultBanMinutes int, logger *zap.Logger) (*Store, error) {
	s := &Store{
		bansFile:      bansFile,
		whitelistFile: whitelistFile,
		defaultMins:   defaultBanMinutes,
		logger:        logger,
		now:           time.Now,
		bans:          make(map[string]Record),
		whitelist:     make(map[string]struct{}),
		readCache:     make(map[string]cacheEntry),
		readCacheTTL:  defaultReadCacheTTL,
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	if err := s.LoadBans(); err != nil {
		return nil, err
	}
	if err := s.LoadWhitelist(); err != nil {
		return nil, err
	}

	go s.flushLoop(2 * time.Second)

	return s, nil
}

// LoadBans replaces the in-memory ban map from bansFile. A missing file
// is treated as empty (spec.md section 6: "readers tolerate a missing
// file as empty").
func (s *Store) LoadBans() error {
	raw, err := os.ReadFile(s.bansFile)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.bans = make(map[string]Record)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("bans: reading %s: %w", s.bansFile, err)
	}

	type wire struct {
		Until  string `json:"until"`
		Reason string `json:"reason"`
	}
	var parsed map[string]wire
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.logger.Warn("failed to parse bans file, starting with empty ban set", zap.Error(err))
		return nil
	}

	next := make(map[string]Record, len(parsed))
	for ip, w := range parsed {
		until, err := time.Parse(time.RFC3339, w.Until)
		if err != nil {
			s.logger.Warn("failed to parse ban expiry, dropping entry", zap.String("ip", ip), zap.Error(err))
			continue
		}
		reason := w.Reason
		if reason == "" {
			reason = "banned"
		}
		next[ip] = Record{Until: until, Reason: reason}
	}

	s.mu.Lock()
	s.bans = next
	s.mu.Unlock()
	s.invalidateAllReadCache()
	return nil
}

// LoadWhitelist replaces the in-memory whitelist from whitelistFile,
// creating an empty one if absent.
func (s *Store) LoadWhitelist() error {
	raw, err := os.ReadFile(s.whitelistFile)
	if os.IsNotExist(err) {
		if err := s.writeWhitelistFile(nil); err != nil {
			return err
		}
		s.mu.Lock()
		s.whitelist = make(map[string]struct{})
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("bans: reading %s: %w", s.whitelistFile, err)
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		s.logger.Warn("failed to parse whitelist file, starting with empty whitelist", zap.Error(err))
		return nil
	}

	next := make(map[string]struct{}, len(list))
	for _, ip := range list {
		next[ip] = struct{}{}
	}

	s.mu.Lock()
	s.whitelist = next
	s.mu.Unlock()
	s.invalidateAllReadCache()
	return nil
}

func (s *Store) writeWhitelistFile(list []string) error {
	if list == nil {
		list = []string{}
	}
	return atomicWriteJSON(s.whitelistFile, list)
}

// IsBanned reports whether ip is currently banned. A whitelisted
// address is never banned. A stale entry (now >= until) is evicted
// lazily before returning false.
func (s *Store) IsBanned(ip string) (banned bool, reason string) {
	s.mu.Lock()
	if _, whitelisted := s.whitelist[ip]; whitelisted {
		s.mu.Unlock()
		return false, ""
	}
	s.mu.Unlock()

	if entry, ok := s.readCacheGet(ip); ok {
		return entry.banned, entry.reason
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bans[ip]
	if !ok {
		s.readCacheSet(ip, false, "")
		return false, ""
	}
	if !s.now().Before(rec.Until) {
		delete(s.bans, ip)
		s.dirty = true
		s.readCacheSet(ip, false, "")
		return false, ""
	}

	// Cap the read cache's expiry at the ban's own Until so a cached
	// "banned=true" entry never outlives the ban itself: otherwise a
	// ban could appear active for up to readCacheTTL past its real
	// expiry with no intervening add/delete to invalidate it.
	cacheUntil := rec.Until
	if maxUntil := s.now().Add(s.readCacheTTL); maxUntil.Before(cacheUntil) {
		cacheUntil = maxUntil
	}
	s.readCacheSetUntil(ip, true, rec.Reason, cacheUntil)
	return true, rec.Reason
}

// AddBan bans ip until now + minutes (or the configured default when
// minutes is nil), replacing any existing entry. Returns false without
// effect if ip is whitelisted.
func (s *Store) AddBan(ip string, minutes *float64, reason string) (until time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, whitelisted := s.whitelist[ip]; whitelisted {
		s.logger.Info("attempt to ban whitelisted IP ignored", zap.String("ip", ip))
		return time.Time{}, false
	}

	m := float64(s.defaultMins)
	if minutes != nil {
		m = *minutes
	}
	until = s.now().Add(time.Duration(m * float64(time.Minute)))

	s.bans[ip] = Record{Until: until, Reason: reason}
	s.dirty = true
	s.invalidateReadCache(ip)

	s.logger.Info("added ban", zap.String("ip", ip), zap.Time("until", until), zap.String("reason", reason))
	return until, true
}

// DeleteBan removes ip's ban, if present.
func (s *Store) DeleteBan(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bans[ip]; !ok {
		return false
	}
	delete(s.bans, ip)
	s.dirty = true
	s.invalidateReadCache(ip)
	s.logger.Info("deleted ban", zap.String("ip", ip))
	return true
}

// ListActive returns a snapshot of every ban whose expiry has not yet
// passed.
func (s *Store) ListActive() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []Entry
	for ip, rec := range s.bans {
		if now.Before(rec.Until) {
			out = append(out, Entry{IP: ip, Until: rec.Until, Reason: rec.Reason, Active: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Until.After(out[j].Until) })
	return out
}

// ListAll returns a snapshot of every ban, active or not, sorted by
// expiry descending.
func (s *Store) ListAll() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Entry, 0, len(s.bans))
	for ip, rec := range s.bans {
		out = append(out, Entry{IP: ip, Until: rec.Until, Reason: rec.Reason, Active: now.Before(rec.Until)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Until.After(out[j].Until) })
	return out
}

func (s *Store) readCacheGet(ip string) (cacheEntry, bool) {
	s.readCacheMu.Lock()
	defer s.readCacheMu.Unlock()
	e, ok := s.readCache[ip]
	if !ok || !s.now().Before(e.expiry) {
		return cacheEntry{}, false
	}
	return e, true
}

func (s *Store) readCacheSet(ip string, banned bool, reason string) {
	s.readCacheSetUntil(ip, banned, reason, s.now().Add(s.readCacheTTL))
}

func (s *Store) readCacheSetUntil(ip string, banned bool, reason string, expiry time.Time) {
	s.readCacheMu.Lock()
	defer s.readCacheMu.Unlock()
	s.readCache[ip] = cacheEntry{banned: banned, reason: reason, expiry: expiry}
}

func (s *Store) invalidateReadCache(ip string) {
	s.readCacheMu.Lock()
	delete(s.readCache, ip)
	s.readCacheMu.Unlock()
}

func (s *Store) invalidateAllReadCache() {
	s.readCacheMu.Lock()
	s.readCache = make(map[string]cacheEntry)
	s.readCacheMu.Unlock()
}

// flushLoop is the background persistence flusher (spec.md section
// 4.4): it coalesces dirty writes on a short interval. In-memory state
// is always the source of truth; the file is a recovery log.
func (s *Store) flushLoop(interval time.Duration) {
	defer close(s.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushIfDirty()
		case <-s.stopCh:
			s.flushIfDirty()
			return
		}
	}
}

func (s *Store) flushIfDirty() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	snapshot := make(map[string]Record, len(s.bans))
	for k, v := range s.bans {
		snapshot[k] = v
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		s.logger.Warn("failed to persist bans, will retry next flush", zap.Error(err))
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
	}
}

func (s *Store) persist(bans map[string]Record) error {
	type wire struct {
		Until  string `json:"until"`
		Reason string `json:"reason"`
	}
	out := make(map[string]wire, len(bans))
	for ip, rec := range bans {
		out[ip] = wire{Until: rec.Until.UTC().Format("2006-01-02T15:04:05.000000") + "Z", Reason: rec.Reason}
	}
	return atomicWriteJSON(s.bansFile, out)
}

// Shutdown stops the background flusher after performing one final
// drain, so no dirty ban state is lost on process exit (spec.md
// section 9: background flushers must exit cleanly).
func (s *Store) Shutdown() {
	close(s.stopCh)
	<-s.stopped
}

// WatchWhitelist starts an fsnotify watch on the whitelist file so
// manual edits are picked up without a full /reload.
func (s *Store) WatchWhitelist() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bans: creating watcher: %w", err)
	}
	if err := w.Add(s.whitelistFile); err != nil {
		w.Close()
		return nil, fmt.Errorf("bans: watching %s: %w", s.whitelistFile, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write != 0 {
					if err := s.LoadWhitelist(); err != nil {
						s.logger.Warn("failed to reload whitelist after change", zap.Error(err))
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return w, nil
}

// atomicWriteJSON writes v to path via a temp-file-then-rename, so
// readers never observe a partial write (spec.md section 4.4 and
// section 6).
func atomicWriteJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
