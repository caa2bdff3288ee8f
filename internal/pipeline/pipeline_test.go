package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/r-waf/rwafd/internal/bans"
	"github.com/r-waf/rwafd/internal/cache"
	"github.com/r-waf/rwafd/internal/journal"
	"github.com/r-waf/rwafd/internal/modules"
	"github.com/r-waf/rwafd/internal/rules"
)

// TestMain verifies that every background flusher goroutine started by
// a Pipeline's collaborators (ban store, alert and traffic journals) has
// exited once the tests' Shutdown calls have run, per spec.md section 9's "background flushers ... must
// exit cleanly on shutdown" requirement.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

type testEnv struct {
	pipe    *Pipeline
	banStr  *bans.Store
	alerts  *journal.Alerts
	traffic *journal.Traffic
}

// newTestEnv builds a pipeline with empty whitelist. whitelistIPs, if
// given, are pre-seeded into whitelist.json before the ban store loads
// it, matching how the real service seeds whitelist membership from
// disk at startup.
func newTestEnv(t *testing.T, whitelistIPs ...string) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.MkdirAll(rulesDir, 0o755))
	writeRuleFile(t, rulesDir, "ip_blocklist.json", []string{"192.168.1.100", "10.0.0.2"})
	writeRuleFile(t, rulesDir, "user_agents.json", []string{"sqlmap", "nikto", "fuzz"})
	writeRuleFile(t, rulesDir, "paths.json", []string{`union(.*)select`})

	rulesStore, err := rules.New(rulesDir, logger)
	require.NoError(t, err)
	t.Cleanup(func() { rulesStore.Close() })

	whitelistFile := filepath.Join(dir, "whitelist.json")
	if len(whitelistIPs) > 0 {
		data, err := json.Marshal(whitelistIPs)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(whitelistFile, data, 0o644))
	}

	banStore, err := bans.New(filepath.Join(dir, "bans.json"), whitelistFile, 15, logger)
	require.NoError(t, err)
	t.Cleanup(banStore.Shutdown)

	decisionCache, err := cache.New(32)
	require.NoError(t, err)

	alerts, err := journal.NewAlerts(filepath.Join(dir, "alerts"), logger)
	require.NoError(t, err)
	t.Cleanup(alerts.Shutdown)

	traffic, err := journal.NewTraffic(filepath.Join(dir, "traffic"), logger)
	require.NoError(t, err)
	t.Cleanup(traffic.Shutdown)

	registry, err := modules.NewRegistry(logger)
	require.NoError(t, err)

	pipe := New(Deps{
		Logger:               logger,
		RulesStore:           rulesStore,
		BanStore:             banStore,
		Cache:                decisionCache,
		Alerts:               alerts,
		Traffic:              traffic,
		Registry:             registry,
		ModuleThreads:        10,
		AntiHTTPGenericBF:    true,
		WindowSeconds:        10,
		WindowMaxRequests:    5,
		EnableResponseFilter: true,
	})

	return &testEnv{pipe: pipe, banStr: banStore, alerts: alerts, traffic: traffic}
}

func writeRuleFile(t *testing.T, dir, name string, rules []string) {
	t.Helper()
	data, err := json.Marshal(rules)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

// Scenario 1: IP blocklist hit (spec.md section 8, scenario 1).
func TestScenarioIPBlocklistHit(t *testing.T) {
	env := newTestEnv(t)

	v := env.pipe.CheckRequest(Descriptor{
		RequestID: "r1",
		IP:        "192.168.1.100",
		Method:    "GET",
		UserAgent: "Mozilla/5.0",
		Path:      b64("/"),
	})

	require.Equal(t, modules.ActionBlock, v.Action)
	require.Equal(t, "ip_blocklist", v.Reason)

	banned, _ := env.banStr.IsBanned("192.168.1.100")
	require.True(t, banned)

	require.Eventually(t, func() bool {
		return len(env.alerts.Recent(10)) == 1
	}, 4*time.Second, 100*time.Millisecond, "alert journal entry must appear after the next flush tick")

	entries := env.alerts.Recent(10)
	require.Equal(t, "BasicAttackRules", entries[0].Module)
}

// Scenario 2: SQL-injection path, cache replays the same verdict.
func TestScenarioSQLInjectionPathCached(t *testing.T) {
	env := newTestEnv(t)

	d := Descriptor{
		RequestID: "r2",
		IP:        "203.0.113.5",
		Method:    "GET",
		UserAgent: "Mozilla/5.0",
		Path:      b64("/search?q=' UNION SELECT 1--"),
	}

	first := env.pipe.CheckRequest(d)
	require.Equal(t, modules.ActionBlock, first.Action)
	require.Equal(t, "paths_blocked", first.Reason)
	require.False(t, first.Cached)

	d.RequestID = "r2b"
	second := env.pipe.CheckRequest(d)
	require.True(t, second.Cached)
	require.Equal(t, first.Action, second.Action)
	require.Equal(t, first.Reason, second.Reason)
}

// Scenario 3: whitelisted address — BotDetection still blocks on UA, but
// add_ban inside the pipeline must be a no-op. The UA is one that only
// BotDetection flags: a UA listed in this env's user_agents.json (e.g.
// sqlmap) would be blocked by BasicAttackRules, which is declared first.
func TestScenarioWhitelistedAddressStillBlockedButNeverBanned(t *testing.T) {
	env := newTestEnv(t, "198.51.100.7")

	ignoredUntil, ok := env.banStr.AddBan("198.51.100.7", nil, "manual")
	require.False(t, ok)
	require.True(t, ignoredUntil.IsZero())

	v := env.pipe.CheckRequest(Descriptor{
		RequestID: "r3",
		IP:        "198.51.100.7",
		Method:    "GET",
		UserAgent: "masscan/1.3",
		Path:      b64("/"),
	})

	require.Equal(t, modules.ActionBlock, v.Action)
	require.Equal(t, "BotDetection", v.Module)

	for _, e := range env.banStr.ListActive() {
		require.NotEqual(t, "198.51.100.7", e.IP, "whitelisted address must never appear in /ban/list")
	}
}

// Scenario 4: ban expiry — an IP banned with a sub-second TTL is blocked
// immediately, then allowed (and absent from the active ban list) once
// the TTL elapses.
func TestScenarioBanExpiry(t *testing.T) {
	env := newTestEnv(t)

	minutes := 0.02
	_, ok := env.banStr.AddBan("192.0.2.10", &minutes, "test")
	require.True(t, ok)

	v := env.pipe.CheckRequest(Descriptor{
		RequestID: "r4a",
		IP:        "192.0.2.10",
		Method:    "GET",
		UserAgent: "Mozilla/5.0",
		Path:      b64("/"),
	})
	require.Equal(t, modules.ActionBlock, v.Action)
	require.Contains(t, v.Reason, "banned")

	time.Sleep(2 * time.Second)

	v = env.pipe.CheckRequest(Descriptor{
		RequestID: "r4b",
		IP:        "192.0.2.10",
		Method:    "GET",
		UserAgent: "Mozilla/5.0",
		Path:      b64("/"),
	})
	require.Equal(t, modules.ActionAllow, v.Action)

	for _, e := range env.banStr.ListActive() {
		require.NotEqual(t, "192.0.2.10", e.IP)
	}
}

// Scenario 5: response-phase brute-force — six 401s within the window
// from the same IP; the sixth blocks.
func TestScenarioResponseBruteForce(t *testing.T) {
	env := newTestEnv(t)
	status401 := 401

	var last Verdict
	for i := 0; i < 6; i++ {
		last = env.pipe.CheckResponse(Descriptor{
			RequestID:  "r5",
			IP:         "198.51.100.20",
			Method:     "POST",
			StatusCode: &status401,
		})
		if i < 5 {
			require.Equal(t, modules.ActionAllow, last.Action, "request %d should be allowed", i+1)
		}
	}
	require.Equal(t, modules.ActionBlock, last.Action)
	require.Contains(t, last.Reason, "response")
}

// Scenario 6: oversized API body blocks with a size diagnostic.
func TestScenarioOversizedAPIBody(t *testing.T) {
	env := newTestEnv(t)

	big := make([]byte, 2*1024*1024)
	for i := range big {
		big[i] = '1'
	}
	body := append([]byte("["), append(big, []byte("]")...)...)

	v := env.pipe.CheckRequest(Descriptor{
		RequestID: "r6",
		IP:        "203.0.113.99",
		Method:    "POST",
		UserAgent: "Mozilla/5.0",
		Path:      b64("/api/users"),
		Header:    b64(`{"Content-Type":"application/json"}`),
		Body:      b64(string(body)),
	})

	require.Equal(t, modules.ActionBlock, v.Action)
	require.Equal(t, "payload_size", v.MatchedRule)
}

func TestBenignRequestAllows(t *testing.T) {
	env := newTestEnv(t)

	v := env.pipe.CheckRequest(Descriptor{
		RequestID: "r7",
		IP:        "203.0.113.200",
		Method:    "GET",
		UserAgent: "Mozilla/5.0",
		Path:      b64("/"),
	})

	require.Equal(t, modules.ActionAllow, v.Action)
}

func TestResponsePhaseBypassesDecisionCache(t *testing.T) {
	env := newTestEnv(t)
	status401 := 401

	d := Descriptor{RequestID: "r8", IP: "198.51.100.30", Method: "POST", StatusCode: &status401}
	v1 := env.pipe.CheckResponse(d)
	v2 := env.pipe.CheckResponse(d)
	require.False(t, v1.Cached)
	require.False(t, v2.Cached, "response-phase descriptors must never be served from the decision cache")
}
