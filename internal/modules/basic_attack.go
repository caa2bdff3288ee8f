package modules

import (
	"strings"

	"github.com/r-waf/rwafd/internal/normalize"
	"github.com/r-waf/rwafd/internal/rules"
)

// BasicAttackRules applies the Rule Store against normalised request
// fields (spec.md section 4.5.1), grounded on the Python original's
// BasicAttackRules.run: for each rule-type substring found in a
// filename, it checks ip_blocklist by exact equality, user_agents by
// case-insensitive substring containment, and headers/paths/body by
// the three-variant regex matcher.
type BasicAttackRules struct{}

func (BasicAttackRules) Name() string { return "BasicAttackRules" }

func (BasicAttackRules) Run(in Input) Result {
	if in.Phase == PhaseResponse {
		return allow("skipped_response_phase")
	}

	header := normalize.Headers(in.HeaderB64)
	path := normalize.DecodeBase64(in.PathB64)
	body := normalize.DecodeBase64(in.BodyB64)
	userAgentLower := strings.ToLower(in.UserAgent)

	targets := map[rules.Type]string{
		rules.TypeIPBlocklist: in.IP,
		rules.TypeUserAgents:  userAgentLower,
		rules.TypeHeaders:     header,
		rules.TypePaths:       path,
		rules.TypeBody:        body,
	}

	for _, ruleType := range rules.OrderedTypes() {
		target := targets[ruleType]
		for _, fname := range in.Rules.FilesOfType(ruleType) {
			for _, rule := range in.Rules.Rules[fname] {
				switch ruleType {
				case rules.TypeIPBlocklist:
					if in.IP == rule {
						return block("ip_blocklist", rule, map[string]any{"rule_file": fname})
					}
				case rules.TypeUserAgents:
					if strings.Contains(target, strings.ToLower(rule)) {
						return block("bad_user_agent", rule, map[string]any{"rule_file": fname})
					}
				default:
					if matched, ok := in.Matcher.Match(rule, target); ok && matched {
						return block(string(ruleType)+"_blocked", rule, map[string]any{"rule_file": fname})
					}
				}
			}
		}
	}

	return allow("no_match")
}
