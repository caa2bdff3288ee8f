package modules

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/r-waf/rwafd/internal/normalize"
)

const (
	apiMaxPayloadSize = 1 * 1024 * 1024
	apiMaxArrayLength = 1000
	apiMaxJSONDepth   = 10
)

var apiInjectionPatterns = compileAll([]string{
	`<script`, `javascript:`, `onerror=`, `onload=`,
	`\$\(`, `eval\(`, `function\s*\(`,
})

var apiSuspiciousParams = []string{"__proto__", "constructor", "prototype", "$where", "$ne"}

// APIAbuseDetection validates JSON API payloads for size, nesting depth,
// array length, injection patterns, and prototype-pollution-style path
// tokens, grounded on the Python original's APIAbuseDetection.run.
type APIAbuseDetection struct{}

func (APIAbuseDetection) Name() string { return "APIAbuseDetection" }

func (APIAbuseDetection) Run(in Input) Result {
	if in.Phase == PhaseResponse {
		return allow("skipped_response_phase")
	}

	path := normalize.DecodeBase64(in.PathB64)
	pathLower := strings.ToLower(path)

	if !strings.Contains(pathLower, "/api") && !strings.HasSuffix(pathLower, ".json") {
		return allow("not_api_endpoint")
	}

	method := strings.ToUpper(in.Method)
	if method == "POST" || method == "PUT" || method == "PATCH" {
		header := strings.ToLower(normalize.Headers(in.HeaderB64))
		if !strings.Contains(header, "application/json") {
			return block("Invalid Content-Type for API endpoint", "content_type", map[string]any{"expected": "application/json"})
		}

		body := normalize.DecodeBase64(in.BodyB64)
		if len(body) > apiMaxPayloadSize {
			return block("API payload too large", "payload_size", map[string]any{"size": len(body), "limit": apiMaxPayloadSize})
		}

		if body != "" {
			var data any
			if err := json.Unmarshal([]byte(body), &data); err != nil {
				return block("Malformed JSON payload", "malformed_json", map[string]any{"error": err.Error()})
			}

			depth := jsonDepth(data, 0)
			if depth > apiMaxJSONDepth {
				return block("JSON too deeply nested", "json_depth", map[string]any{"depth": depth, "limit": apiMaxJSONDepth})
			}

			if arr, ok := data.([]any); ok && len(arr) > apiMaxArrayLength {
				return block("JSON array too large", "array_length", map[string]any{"array_size": len(arr), "limit": apiMaxArrayLength})
			}

			// encoding/json HTML-escapes <, >, and & by default, which
			// would hide a literal "<script" from the pattern scan
			// below; SetEscapeHTML(false) keeps the re-encoded form
			// byte-faithful to the original payload.
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			if err := enc.Encode(data); err == nil {
				jsonStr := buf.String()
				for _, p := range apiInjectionPatterns {
					if p.re.MatchString(jsonStr) {
						return block("Code injection detected in JSON payload", p.source, nil)
					}
				}
			}
		}
	}

	for _, param := range apiSuspiciousParams {
		if strings.Contains(path, param) {
			return block("Suspicious API parameter detected: "+param, param, nil)
		}
	}

	return allow("validation_passed")
}

// jsonDepth mirrors the Python original's get_json_depth: the depth of a
// scalar is the depth it was reached at, objects/arrays recurse with
// depth+1, and an empty object/array contributes its own depth.
func jsonDepth(v any, depth int) int {
	if depth > apiMaxJSONDepth {
		return depth
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return depth
		}
		max := depth
		for _, val := range t {
			if d := jsonDepth(val, depth+1); d > max {
				max = d
			}
		}
		return max
	case []any:
		if len(t) == 0 {
			return depth
		}
		max := depth
		for _, item := range t {
			if d := jsonDepth(item, depth+1); d > max {
				max = d
			}
		}
		return max
	default:
		return depth
	}
}
