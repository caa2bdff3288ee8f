// Package normalize decodes the transport-encoded fields of a request
// descriptor and implements the decoding-invariant pattern matcher used
// by the detection modules. Every path/header/body field in a request
// descriptor arrives base64-encoded; this package is the single place
// that undoes that encoding before any module inspects the data.
package normalize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// DecodeBase64 decodes s as base64 and returns the original string on
// any decode failure, per spec.md section 7: "an undecodable base64 is
// treated as the identity". An empty input decodes to empty.
func DecodeBase64(s string) string {
	if s == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(decoded)
}

// Headers decodes the transport-encoded header blob (base64 of a JSON
// object) and reflows it into canonical "Title-Case-Key: value" lines
// joined by CRLF, per spec.md section 4.1.
func Headers(encoded string) string {
	raw := DecodeBase64(encoded)
	if raw == "" {
		return ""
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", titleCase(k), fields[k]))
	}
	return strings.Join(lines, "\r\n")
}

// HeaderMap decodes the transport-encoded header blob directly into a
// lower-cased name->value map, for consumers (such as the CEL custom
// expression environment) that want structured access instead of the
// canonical "Key: value" line form Headers produces.
func HeaderMap(encoded string) map[string]string {
	raw := DecodeBase64(encoded)
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return out
	}
	for k, v := range fields {
		out[strings.ToLower(k)] = v
	}
	return out
}

// titleCase renders a header key as Title-Case, e.g. "content-type" ->
// "Content-Type".
func titleCase(key string) string {
	parts := strings.Split(key, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, "-")
}

// HeaderValue extracts a single header's value from the normalised
// "Key: value\r\n..." blob produced by Headers, case-insensitively.
func HeaderValue(normalisedHeaders, name string) (string, bool) {
	lname := strings.ToLower(name)
	for _, line := range strings.Split(normalisedHeaders, "\r\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		if strings.ToLower(strings.TrimSpace(line[:idx])) == lname {
			return strings.TrimSpace(line[idx+1:]), true
		}
	}
	return "", false
}

// Matcher compiles and caches rule patterns for the three-variant
// matcher described in spec.md section 4.1, generalizing the teacher's
// RuleCache (a sync.RWMutex-guarded map of compiled regexes) from
// "rule ID -> regex" to "lower-cased pattern -> compiled regex".
type Matcher struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewMatcher creates an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[string]*regexp.Regexp)}
}

// compile returns the cached, case-folded compiled regex for pattern,
// compiling and caching it on first use. Invalid patterns are cached
// as nil so repeated lookups do not recompile a known-bad regex.
func (m *Matcher) compile(pattern string) (*regexp.Regexp, bool) {
	lowered := strings.ToLower(pattern)

	m.mu.RLock()
	re, ok := m.cache[lowered]
	m.mu.RUnlock()
	if ok {
		return re, re != nil
	}

	compiled, err := regexp.Compile(lowered)
	m.mu.Lock()
	if err != nil {
		m.cache[lowered] = nil
	} else {
		m.cache[lowered] = compiled
	}
	m.mu.Unlock()

	return compiled, err == nil
}

// Variants returns the three candidate strings the pattern matcher must
// try for a given input: the string as-is, its URL-form-decoded form
// ('+' -> space, '%XX' -> byte), and its base64-decoded form if the
// input is strictly valid base64 (otherwise the original string).
func Variants(s string) [3]string {
	urlDecoded, err := url.QueryUnescape(s)
	if err != nil {
		urlDecoded = s
	}

	b64Decoded := s
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		b64Decoded = string(decoded)
	}

	return [3]string{s, urlDecoded, b64Decoded}
}

// Match reports whether pattern (a regex, folded to lowercase) matches
// any of the three decoding variants of target, case-insensitively. An
// invalid regex is treated as non-matching; ok reports whether pattern
// compiled.
func (m *Matcher) Match(pattern, target string) (matched, ok bool) {
	re, ok := m.compile(pattern)
	if !ok {
		return false, false
	}

	for _, v := range Variants(target) {
		if re.MatchString(strings.ToLower(v)) {
			return true, true
		}
	}
	return false, true
}
