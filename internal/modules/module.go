// Package modules implements the fixed set of independent detection
// modules described in spec.md section 4.5: pure checkers over
// (request, per-module scratch state) that the pipeline orchestrator
// fans a single request out to.
package modules

import (
	"github.com/r-waf/rwafd/internal/normalize"
	"github.com/r-waf/rwafd/internal/rules"
)

// Phase discriminates request descriptors from response descriptors,
// modeling spec.md section 9's "nullable status_code" as a sum type
// instead of an optional field probed ad hoc.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

// Config carries the subset of service configuration detection modules
// need, injected per invocation rather than read from a global.
type Config struct {
	AntiHTTPGenericBF bool
	WindowSeconds     int
	WindowMaxRequests int
}

// Input is everything a module's Run needs: the normalised request,
// its own scratch-state slot, the shared rule set, and config.
type Input struct {
	Phase      Phase
	IP         string
	Method     string
	UserAgent  string
	HeaderB64  string
	PathB64    string
	BodyB64    string
	StatusCode *int

	Config  Config
	Rules   rules.Set
	Matcher *normalize.Matcher
	Scratch *Scratch
}

// Result is the value a module's Run returns: spec.md section 3's
// decision record, plus a diagnostic detail map used for journal
// "matched_rule" fields and admin introspection.
type Result struct {
	Action      string
	Reason      string
	MatchedRule string
	Detail      map[string]any
}

const (
	ActionAllow = "allow"
	ActionBlock = "block"
)

func allow(reason string) Result {
	return Result{Action: ActionAllow, Reason: reason}
}

func block(reason, matchedRule string, detail map[string]any) Result {
	return Result{Action: ActionBlock, Reason: reason, MatchedRule: matchedRule, Detail: detail}
}

// Module is a single detection module's pure entry point.
type Module interface {
	// Name identifies the module for journal entries and scratch-slot
	// lookups; it must be stable and unique.
	Name() string
	// Run evaluates one request against this module's detection logic.
	Run(in Input) Result
}
