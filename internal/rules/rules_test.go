package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeRuleFile(t *testing.T, dir, name string, rules []string) {
	t.Helper()
	data, err := json.Marshal(rules)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func TestNewSeedsDefaultsWhenDirAbsent(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "rules")

	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	snapshot := s.Snapshot()
	require.Contains(t, snapshot.Files, "ip_blocklist.json")
	require.Equal(t, []string{"192.168.1.100", "10.0.0.2"}, snapshot.Rules["ip_blocklist.json"])
}

func TestReloadSkipsMalformedFileButLoadsOthers(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "user_agents.json", []string{"sqlmap"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paths.json"), []byte("not json"), 0o644))

	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	snapshot := s.Snapshot()
	require.Contains(t, snapshot.Files, "user_agents.json")
	require.NotContains(t, snapshot.Files, "paths.json")
}

func TestReloadReplacesSetAtomically(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "user_agents.json", []string{"sqlmap"})

	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	writeRuleFile(t, dir, "user_agents.json", []string{"nikto"})
	require.NoError(t, s.Reload())

	snapshot := s.Snapshot()
	require.Equal(t, []string{"nikto"}, snapshot.Rules["user_agents.json"])
}

func TestFilesOfTypeMatchesBySubstringAndIsSorted(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "b_paths.json", []string{"x"})
	writeRuleFile(t, dir, "a_paths.json", []string{"y"})
	writeRuleFile(t, dir, "user_agents.json", []string{"z"})

	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	files := s.Snapshot().FilesOfType(TypePaths)
	require.Equal(t, []string{"a_paths.json", "b_paths.json"}, files)
}

func TestOrderedTypesPriority(t *testing.T) {
	require.Equal(t, []Type{TypeIPBlocklist, TypeUserAgents, TypeHeaders, TypePaths, TypeBody}, OrderedTypes())
}
