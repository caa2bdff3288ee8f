// Package rules loads and hot-reloads the static rule-file set consumed
// by the detection modules, and seeds the default rule set described in
// spec.md section 6 on first start.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Type is one of the five fixed rule categories derived from a rule
// filename by substring containment, per spec.md section 3.
type Type string

const (
	TypeIPBlocklist Type = "ip_blocklist"
	TypeUserAgents  Type = "user_agents"
	TypeHeaders     Type = "headers"
	TypePaths       Type = "paths"
	TypeBody        Type = "body"
	// TypeExpr selects *_expr.json rule files consumed by the
	// CustomExpressionRules module (SPEC_FULL.md section 4.5.7).
	TypeExpr Type = "expr"
)

// orderedTypes is the fixed iteration priority used by BasicAttackRules
// (spec.md section 4.5.1): "rule-type priority as listed".
var orderedTypes = []Type{TypeIPBlocklist, TypeUserAgents, TypeHeaders, TypePaths, TypeBody}

// OrderedTypes returns the fixed rule-type evaluation priority.
func OrderedTypes() []Type { return orderedTypes }

// Set is an insertion-ordered mapping from rule-file name to its list of
// rule strings.
type Set struct {
	Files []string
	Rules map[string][]string
}

// FilesOfType returns the filenames (in deterministic, sorted order)
// whose name contains the given rule type as a substring.
func (s Set) FilesOfType(t Type) []string {
	var out []string
	for _, f := range s.Files {
		if strings.Contains(f, string(t)) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Store is the Rule Store component (spec.md section 4.2): it loads
// JSON rule files from a directory into memory and can reload them on
// demand or on file-system change.
type Store struct {
	dir    string
	logger *zap.Logger

	mu  sync.RWMutex
	set Set

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a Store for the given rules directory and performs an
// initial Load, seeding the default rule set if the directory is
// absent.
func New(dir string, logger *zap.Logger) (*Store, error) {
	s := &Store{dir: dir, logger: logger, done: make(chan struct{})}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := seedDefaults(dir); err != nil {
			return nil, fmt.Errorf("rules: seeding defaults in %s: %w", dir, err)
		}
		logger.Info("seeded default rule set", zap.String("dir", dir))
	}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Snapshot returns the current, immutable rule set.
func (s *Store) Snapshot() Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

// Reload fully replaces the in-memory rule set from disk, atomically
// from the reader's perspective. A malformed file is skipped with a
// warning; other files still load (spec.md section 4.2).
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("rules: reading %s: %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	next := Set{Rules: make(map[string][]string, len(names))}
	for _, name := range names {
		full := filepath.Join(s.dir, name)
		data, err := os.ReadFile(full)
		if err != nil {
			s.logger.Warn("failed to read rule file, skipping", zap.String("file", full), zap.Error(err))
			continue
		}
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			s.logger.Warn("failed to parse rule file, skipping", zap.String("file", full), zap.Error(err))
			continue
		}
		next.Files = append(next.Files, name)
		next.Rules[name] = list
	}

	s.mu.Lock()
	s.set = next
	s.mu.Unlock()

	s.logger.Info("loaded rule set", zap.Int("files", len(next.Files)), zap.String("dir", s.dir))
	return nil
}

// WatchAndReload starts an fsnotify watch on the rules directory;
// create/write/remove events trigger an asynchronous Reload, matching
// the hot-reload wiring of the teacher's startFileWatcher.
func (s *Store) WatchAndReload() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: creating watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("rules: watching %s: %w", s.dir, err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					s.logger.Info("detected rule file change, reloading", zap.String("event", event.Name))
					if err := s.Reload(); err != nil {
						s.logger.Warn("failed to reload rules after change", zap.Error(err))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("rule file watcher error", zap.Error(err))
			case <-s.done:
				return
			}
		}
	}()

	return nil
}

// Close stops the file watcher, if running.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// defaultRuleSeeds are the literal default rule files reproduced from
// spec.md section 6.
var defaultRuleSeeds = map[string][]string{
	"ip_blocklist.json": {"192.168.1.100", "10.0.0.2"},
	"user_agents.json":  {"sqlmap", "nikto", "fuzz", "curl"},
	"paths.json": {
		`(\%27)|(\')|(\-\-)|(\%23)|(#)`,
		`((\%3C)|<)((\%2F)|\/)*[a-z0-9\%]+((\%3E)|>)`,
		`\.\./`,
		`etc/passwd`,
		`<\?php`,
	},
	"headers_patterns.json": {
		`(\%27)|(\')|(\-\-)|(\%23)|(#)`,
		`union(.*)select`,
		`<script`,
	},
	"body_patterns.json": {
		`union(.*)select`,
		`<script`,
		`<\?php`,
		`\.\./`,
	},
}

// seedDefaults creates dir and writes the default rule files into it.
func seedDefaults(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name, rules := range defaultRuleSeeds {
		data, err := json.MarshalIndent(rules, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
