package bans

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "bans.json"), filepath.Join(dir, "whitelist.json"), 15, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func TestAddBanThenIsBanned(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.AddBan("203.0.113.5", nil, "ip_blocklist")
	require.True(t, ok)

	banned, reason := s.IsBanned("203.0.113.5")
	require.True(t, banned)
	require.Equal(t, "ip_blocklist", reason)
}

func TestIsBannedFalseForUnknownIP(t *testing.T) {
	s := newTestStore(t)
	banned, _ := s.IsBanned("198.51.100.1")
	require.False(t, banned)
}

func TestWhitelistOverridesBan(t *testing.T) {
	s := newTestStore(t)
	s.whitelist["198.51.100.7"] = struct{}{}

	_, ok := s.AddBan("198.51.100.7", nil, "test")
	require.False(t, ok, "AddBan must be a no-op for whitelisted IPs")

	banned, _ := s.IsBanned("198.51.100.7")
	require.False(t, banned)

	for _, e := range s.ListAll() {
		require.NotEqual(t, "198.51.100.7", e.IP, "whitelisted IP must never appear in the ban map")
	}
}

func TestBanExpiresLazily(t *testing.T) {
	s := newTestStore(t)
	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fakeNow }

	minutes := 0.02
	_, ok := s.AddBan("192.0.2.10", &minutes, "test")
	require.True(t, ok)

	banned, _ := s.IsBanned("192.0.2.10")
	require.True(t, banned)

	fakeNow = fakeNow.Add(2 * time.Second)
	s.now = func() time.Time { return fakeNow }

	banned, _ = s.IsBanned("192.0.2.10")
	require.False(t, banned, "ban must lazily expire once now >= until")

	for _, e := range s.ListActive() {
		require.NotEqual(t, "192.0.2.10", e.IP)
	}
}

func TestDeleteBan(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.AddBan("203.0.113.9", nil, "manual")
	require.True(t, ok)

	require.True(t, s.DeleteBan("203.0.113.9"))
	require.False(t, s.DeleteBan("203.0.113.9"), "deleting an absent ban returns false")

	banned, _ := s.IsBanned("203.0.113.9")
	require.False(t, banned)
}

func TestListActiveIsSubsetOfListAll(t *testing.T) {
	s := newTestStore(t)
	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fakeNow }

	future := 5.0
	past := -5.0
	s.AddBan("203.0.113.1", &future, "active-one")
	s.AddBan("203.0.113.2", &past, "expired-one")

	active := s.ListActive()
	all := s.ListAll()

	require.Len(t, active, 1)
	require.Equal(t, "203.0.113.1", active[0].IP)

	activeFromAll := map[string]bool{}
	for _, e := range all {
		if e.Active {
			activeFromAll[e.IP] = true
		}
	}
	for _, e := range active {
		require.True(t, activeFromAll[e.IP])
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bansFile := filepath.Join(dir, "bans.json")
	whitelistFile := filepath.Join(dir, "whitelist.json")

	s, err := New(bansFile, whitelistFile, 15, zap.NewNop())
	require.NoError(t, err)

	s.AddBan("203.0.113.55", nil, "persist_me")
	s.flushIfDirty()
	s.Shutdown()

	raw, err := os.ReadFile(bansFile)
	require.NoError(t, err)

	var parsed map[string]struct {
		Until  string `json:"until"`
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.Contains(t, parsed, "203.0.113.55")
	require.Equal(t, "persist_me", parsed["203.0.113.55"].Reason)

	s2, err := New(bansFile, whitelistFile, 15, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s2.Shutdown)

	banned, reason := s2.IsBanned("203.0.113.55")
	require.True(t, banned)
	require.Equal(t, "persist_me", reason)
}

func TestMissingBansFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "does-not-exist.json"), filepath.Join(dir, "whitelist.json"), 15, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)

	require.Empty(t, s.ListAll())
}

func TestReadCacheNeverOutlivesBanExpiry(t *testing.T) {
	s := newTestStore(t)
	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fakeNow }
	s.readCacheTTL = 5 * time.Second

	minutes := 0.02 // ~1.2s
	_, ok := s.AddBan("192.0.2.50", &minutes, "short")
	require.True(t, ok)

	banned, _ := s.IsBanned("192.0.2.50")
	require.True(t, banned, "populates the read cache with a positive entry")

	// Advance the fake clock past the ban's expiry but well within the
	// read cache's own TTL window: the cache must not mask the expiry.
	fakeNow = fakeNow.Add(2 * time.Second)
	s.now = func() time.Time { return fakeNow }

	banned, _ = s.IsBanned("192.0.2.50")
	require.False(t, banned, "a cached banned=true entry must not outlive the ban's own Until")
}

func TestReadCacheInvalidatedOnAddAndDelete(t *testing.T) {
	s := newTestStore(t)

	banned, _ := s.IsBanned("203.0.113.20")
	require.False(t, banned)

	s.AddBan("203.0.113.20", nil, "now_banned")
	banned, reason := s.IsBanned("203.0.113.20")
	require.True(t, banned, "read cache must not mask a fresh ban")
	require.Equal(t, "now_banned", reason)

	s.DeleteBan("203.0.113.20")
	banned, _ = s.IsBanned("203.0.113.20")
	require.False(t, banned, "read cache must not mask a deletion")
}
