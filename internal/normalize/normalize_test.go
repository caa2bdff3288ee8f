package normalize

import (
	"encoding/base64"
	"strings"
	"testing"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestDecodeBase64RoundTrip(t *testing.T) {
	if got := DecodeBase64(b64("/search?q=1")); got != "/search?q=1" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeBase64InvalidIsIdentity(t *testing.T) {
	const notBase64 = "not valid base64!!"
	if got := DecodeBase64(notBase64); got != notBase64 {
		t.Fatalf("invalid base64 must decode to itself, got %q", got)
	}
}

func TestDecodeBase64Empty(t *testing.T) {
	if got := DecodeBase64(""); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestHeadersReflowsToTitleCaseCRLF(t *testing.T) {
	encoded := b64(`{"content-type":"application/json","x-forwarded-for":"203.0.113.5"}`)
	got := Headers(encoded)

	if !strings.Contains(got, "Content-Type: application/json") {
		t.Fatalf("missing reflowed Content-Type line, got %q", got)
	}
	if !strings.Contains(got, "X-Forwarded-For: 203.0.113.5") {
		t.Fatalf("missing reflowed X-Forwarded-For line, got %q", got)
	}
	if !strings.Contains(got, "\r\n") {
		t.Fatalf("expected CRLF-joined lines, got %q", got)
	}
}

func TestHeadersMalformedJSONReturnsEmpty(t *testing.T) {
	if got := Headers(b64("not json")); got != "" {
		t.Fatalf("malformed header JSON should normalise to empty, got %q", got)
	}
}

func TestHeaderValueLookupCaseInsensitive(t *testing.T) {
	normalised := Headers(b64(`{"Content-Type":"application/json"}`))
	v, ok := HeaderValue(normalised, "content-type")
	if !ok || v != "application/json" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestVariantsURLDecoded(t *testing.T) {
	v := Variants("a+b%20c")
	if v[1] != "a b c" {
		t.Fatalf("expected URL-form decode, got %q", v[1])
	}
}

func TestVariantsBase64DecodedWhenValid(t *testing.T) {
	inner := "<script>alert(1)</script>"
	v := Variants(b64(inner))
	if v[2] != inner {
		t.Fatalf("expected base64 decode variant %q, got %q", inner, v[2])
	}
}

func TestVariantsBase64FallsBackToOriginalWhenInvalid(t *testing.T) {
	v := Variants("not-base64!!")
	if v[2] != "not-base64!!" {
		t.Fatalf("expected identity fallback, got %q", v[2])
	}
}

func TestMatchIsCaseInsensitiveAndTriesAllVariants(t *testing.T) {
	m := NewMatcher()

	matched, ok := m.Match("union(.*)select", "UNION SELECT 1--")
	if !ok || !matched {
		t.Fatalf("expected direct-variant match, got matched=%v ok=%v", matched, ok)
	}

	encoded := "union%20select%201"
	matched, ok = m.Match("union select", encoded)
	if !ok || !matched {
		t.Fatalf("expected URL-decoded-variant match, got matched=%v ok=%v", matched, ok)
	}
}

func TestMatchInvalidRegexIsNonMatching(t *testing.T) {
	m := NewMatcher()
	matched, ok := m.Match("(unterminated", "anything")
	if ok {
		t.Fatalf("invalid regex should report ok=false")
	}
	if matched {
		t.Fatalf("invalid regex must never match")
	}
}

func TestMatchCachesCompiledRegex(t *testing.T) {
	m := NewMatcher()
	m.Match("abc", "xxx")
	if _, ok := m.cache["abc"]; !ok {
		t.Fatalf("expected compiled pattern to be cached")
	}
}
