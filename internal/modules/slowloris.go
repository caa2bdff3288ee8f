package modules

import (
	"strings"
	"time"

	"github.com/r-waf/rwafd/internal/normalize"
)

const (
	slowLorisMaxConcurrentConnections = 15
	slowLorisMaxSlowRequests          = 5
	slowLorisConnectionWindow         = 60 * time.Second
	slowLorisSlowRequestWindow        = 300 * time.Second
)

// SlowLorisProtection tracks two sliding windows per IP in its Scratch
// slot: concurrent connections over 60s, and incomplete (tiny-body) POST
// requests over 300s, grounded on the Python original's
// SlowLorisProtection.run.
type SlowLorisProtection struct{}

func (SlowLorisProtection) Name() string { return "SlowLorisProtection" }

func (m SlowLorisProtection) Run(in Input) Result {
	if in.Phase == PhaseResponse {
		return allow("skipped_response_phase")
	}

	method := strings.ToUpper(in.Method)
	if method != "POST" && method != "PUT" && method != "PATCH" {
		return allow("not_applicable")
	}

	now := time.Now()
	connCount := in.Scratch.RecordAndCount("conn:"+in.IP, now, slowLorisConnectionWindow)
	if connCount > slowLorisMaxConcurrentConnections {
		return block("Too many concurrent connections", "concurrent_connections", map[string]any{
			"concurrent_connections": connCount,
			"limit":                  slowLorisMaxConcurrentConnections,
		})
	}

	body := normalize.DecodeBase64(in.BodyB64)
	bodyLen := len(body)

	var slowCount int
	if bodyLen > 0 && bodyLen < 10 {
		slowCount = in.Scratch.RecordAndCount("slow:"+in.IP, now, slowLorisSlowRequestWindow)
		if slowCount > slowLorisMaxSlowRequests {
			return block("Slow HTTP attack pattern detected", "incomplete_post", map[string]any{
				"slow_requests": slowCount,
			})
		}
	} else {
		slowCount = in.Scratch.Count("slow:"+in.IP, now, slowLorisSlowRequestWindow)
	}

	return allow("slowloris_check_passed")
}
