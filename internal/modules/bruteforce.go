package modules

import "time"

var bruteforceSuspiciousCodes = map[int]bool{401: true, 403: true, 429: true}

// AntiHTTPGenericBruteforce runs only on response descriptors: it counts
// suspicious status codes (401/403/429) per IP in a sliding window and
// blocks once the configured threshold is exceeded, grounded on the
// Python original's AntiHTTPGenericBruteforce.run.
type AntiHTTPGenericBruteforce struct{}

func (AntiHTTPGenericBruteforce) Name() string { return "AntiHTTPGenericBruteforce" }

func (m AntiHTTPGenericBruteforce) Run(in Input) Result {
	if !in.Config.AntiHTTPGenericBF {
		return allow("module_disabled")
	}

	if in.Phase != PhaseResponse || in.StatusCode == nil {
		return allow("skipped_request_phase")
	}

	status := *in.StatusCode
	if !bruteforceSuspiciousCodes[status] {
		return allow("normal_response_pattern")
	}

	window := time.Duration(in.Config.WindowSeconds) * time.Second
	count := in.Scratch.RecordAndCount(in.IP, time.Now(), window)

	if count > in.Config.WindowMaxRequests {
		return block("Suspicious response pattern", "response_rate", map[string]any{
			"response_hits": count,
			"status_code":   status,
		})
	}

	return allow("response_pattern_normal")
}
