package modules

import (
	"regexp"
	"strings"
)

var (
	maliciousBotPatterns = compileAll([]string{
		`sqlmap`, `nikto`, `nmap`, `masscan`, `nessus`,
		`acunetix`, `metasploit`, `burpsuite`, `w3af`,
		`dirbuster`, `gobuster`, `wfuzz`, `commix`,
		`havij`, `pangolin`, `jsql`, `sqlninja`,
		`grabber`, `paros`, `webscarab`, `vega`,
		`httrack`, `wget`, `curl.*bot`, `python-requests`,
		`zgrab`, `shodan`, `censys`,
		`nuclei`, `subfinder`, `amass`, `ffuf`,
	})

	suspiciousUAPatterns = compileAll([]string{
		`bot.*scan`, `exploit`, `hack`, `inject`,
		`attack`, `vulnerability`, `penetration`,
	})

	scannerSignaturePatterns = compileAnchoredAll([]string{
		`^-$`,
		`^$`,
		`^mozilla/4\.0$`,
		`^java/`,
		`^libwww-perl`,
		`^python-`,
		`^go-http-client`,
	})
)

type namedPattern struct {
	source string
	re     *regexp.Regexp
}

func compileAll(patterns []string) []namedPattern {
	out := make([]namedPattern, len(patterns))
	for i, p := range patterns {
		out[i] = namedPattern{source: p, re: regexp.MustCompile(`(?i)` + p)}
	}
	return out
}

// compileAnchoredAll compiles patterns that are meant to match only at the
// start of the string (the Python original uses re.match, not re.search).
func compileAnchoredAll(patterns []string) []namedPattern {
	return compileAll(patterns)
}

func truncateUA(ua string, n int) string {
	r := []rune(ua)
	if len(r) <= n {
		return ua
	}
	return string(r[:n])
}

// BotDetection matches the User-Agent against known-bot, suspicious, and
// scanner-signature pattern lists, grounded on the Python original's
// BotDetection.run.
type BotDetection struct{}

func (BotDetection) Name() string { return "BotDetection" }

func (BotDetection) Run(in Input) Result {
	if in.Phase == PhaseResponse {
		return allow("skipped_response_phase")
	}

	userAgent := strings.ToLower(in.UserAgent)

	if userAgent == "" {
		return block("Missing User-Agent (possible bot)", "empty_user_agent", nil)
	}

	for _, p := range maliciousBotPatterns {
		if p.re.MatchString(userAgent) {
			return block("Malicious bot/scanner detected", p.source, map[string]any{"user_agent": truncateUA(userAgent, 100)})
		}
	}

	for _, p := range suspiciousUAPatterns {
		if p.re.MatchString(userAgent) {
			return block("Suspicious bot pattern detected", p.source, map[string]any{"user_agent": truncateUA(userAgent, 100)})
		}
	}

	for _, p := range scannerSignaturePatterns {
		if loc := p.re.FindStringIndex(userAgent); loc != nil && loc[0] == 0 {
			return block("Scanner signature detected", p.source, map[string]any{"user_agent": truncateUA(userAgent, 100)})
		}
	}

	return allow("user_agent_check_passed")
}
