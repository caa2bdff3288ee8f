package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// TestMain verifies every journal's background flush goroutine exits
// once its Shutdown has been called, per spec.md section 9.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAlertsLogThenRecentReflectsEntry(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAlerts(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)

	a.Log("req-1", "BasicAttackRules", "ip_blocklist", "192.168.1.100", "GET", "/", "curl/8.0", "192.168.1.100", nil)
	a.j.flush()

	entries := a.Recent(10)
	require.Len(t, entries, 1)
	require.Equal(t, "BasicAttackRules", entries[0].Module)
	require.Equal(t, "ip_blocklist", entries[0].Reason)
	require.Equal(t, "block", entries[0].Action)
}

func TestAlertsByIPFiltersOtherAddresses(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAlerts(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)

	a.Log("req-1", "BotDetection", "bad_user_agent", "203.0.113.5", "GET", "/", "sqlmap", "sqlmap", nil)
	a.Log("req-2", "BotDetection", "bad_user_agent", "198.51.100.9", "GET", "/", "sqlmap", "sqlmap", nil)
	a.j.flush()

	entries := a.ByIP("203.0.113.5", 10)
	require.Len(t, entries, 1)
	require.Equal(t, "203.0.113.5", entries[0].IP)
}

func TestAlertsTruncatesLongFields(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAlerts(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)

	longPath := make([]byte, 600)
	for i := range longPath {
		longPath[i] = 'a'
	}
	longUA := make([]byte, 150)
	for i := range longUA {
		longUA[i] = 'b'
	}

	a.Log("req-1", "BasicAttackRules", "paths_blocked", "203.0.113.5", "GET", string(longPath), string(longUA), "rule", nil)
	a.j.flush()

	entries := a.Recent(10)
	require.Len(t, entries, 1)
	require.Len(t, []rune(entries[0].Path), 500)
	require.Len(t, []rune(entries[0].UserAgent), 100)
}

func TestAlertsClearTruncatesTodaysFile(t *testing.T) {
	dir := t.TempDir()
	a, err := NewAlerts(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)

	a.Log("req-1", "BasicAttackRules", "ip_blocklist", "1.2.3.4", "GET", "/", "ua", "1.2.3.4", nil)
	a.j.flush()
	require.Len(t, a.Recent(10), 1)

	require.NoError(t, a.Clear())
	require.Empty(t, a.Recent(10))
}

func TestTrafficLogBlockAndAllow(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTraffic(dir, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(tr.Shutdown)

	tr.Log("req-1", "1.2.3.4", "GET", "/", "ua", "block", "ip_blocklist", "BasicAttackRules", "1.2.3.4", nil)
	tr.Log("req-2", "5.6.7.8", "GET", "/", "ua", "allow", "no_match", "", "", nil)
	tr.j.flush()

	entries := tr.j.Load("")
	require.Len(t, entries, 2)
	require.Equal(t, "block", entries[0].Action)
	require.Equal(t, "1.2.3.4", entries[0].IP)
	require.Equal(t, "allow", entries[1].Action)
	require.Equal(t, "5.6.7.8", entries[1].IP)
}

func TestParseLimitDefaultsOnInvalidInput(t *testing.T) {
	require.Equal(t, 100, ParseLimit("", 100))
	require.Equal(t, 100, ParseLimit("not-a-number", 100))
	require.Equal(t, 100, ParseLimit("-5", 100))
	require.Equal(t, 25, ParseLimit("25", 100))
}
