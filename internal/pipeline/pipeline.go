// Package pipeline implements the orchestrator that fans a single
// request or response descriptor out to every registered detection
// module, picks the deterministic winning block (if any), and drives
// the ban store and journal side effects (spec.md section 4.6).
package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/r-waf/rwafd/internal/bans"
	"github.com/r-waf/rwafd/internal/cache"
	"github.com/r-waf/rwafd/internal/journal"
	"github.com/r-waf/rwafd/internal/modules"
	"github.com/r-waf/rwafd/internal/normalize"
	"github.com/r-waf/rwafd/internal/rules"
)

// Descriptor is a single inbound check: a request descriptor if
// StatusCode is nil, a response descriptor otherwise.
type Descriptor struct {
	RequestID  string
	IP         string
	Method     string
	Header     string // base64
	UserAgent  string
	Path       string // base64
	Body       string // base64
	StatusCode *int
}

// Verdict is the pipeline's final decision for one descriptor.
type Verdict struct {
	Action      string
	Reason      string
	Module      string
	MatchedRule string
	Cached      bool
}

// Pipeline wires together the rule store, ban store, decision cache,
// journals, and the fixed module registry. Module fan-out starts one
// goroutine per module per check, with at most ModuleThreads running at
// once across all checks via a shared semaphore (the Go equivalent of
// the Python original's per-request ThreadPoolExecutor(module_threads)).
type Pipeline struct {
	logger *zap.Logger

	rulesStore *rules.Store
	banStore   *bans.Store
	cache      *cache.Cache
	alerts     *journal.Alerts
	traffic    *journal.Traffic
	registry   *modules.Registry
	matcher    *normalize.Matcher

	config         modules.Config
	enableResponse bool

	sem chan struct{}

	scratchMu sync.Mutex
	scratch   map[string]*modules.Scratch
}

// Deps bundles the Pipeline's collaborators.
type Deps struct {
	Logger     *zap.Logger
	RulesStore *rules.Store
	BanStore   *bans.Store
	Cache      *cache.Cache
	Alerts     *journal.Alerts
	Traffic    *journal.Traffic
	Registry   *modules.Registry

	ModuleThreads        int
	AntiHTTPGenericBF    bool
	WindowSeconds        int
	WindowMaxRequests    int
	EnableResponseFilter bool
}

// New builds a Pipeline from its dependencies.
func New(d Deps) *Pipeline {
	threads := d.ModuleThreads
	if threads < 1 {
		threads = 1
	}
	return &Pipeline{
		logger:     d.Logger,
		rulesStore: d.RulesStore,
		banStore:   d.BanStore,
		cache:      d.Cache,
		alerts:     d.Alerts,
		traffic:    d.Traffic,
		registry:   d.Registry,
		matcher:    normalize.NewMatcher(),
		config: modules.Config{
			AntiHTTPGenericBF: d.AntiHTTPGenericBF,
			WindowSeconds:     d.WindowSeconds,
			WindowMaxRequests: d.WindowMaxRequests,
		},
		enableResponse: d.EnableResponseFilter,
		sem:            make(chan struct{}, threads),
		scratch:        make(map[string]*modules.Scratch),
	}
}

// scratchFor returns the persistent per-module Scratch slot, creating it
// on first use. Scratch instances are never evicted: they are
// process-lifetime state, per spec.md section 3.
func (p *Pipeline) scratchFor(moduleName string) *modules.Scratch {
	p.scratchMu.Lock()
	defer p.scratchMu.Unlock()
	s, ok := p.scratch[moduleName]
	if !ok {
		s = modules.NewScratch()
		p.scratch[moduleName] = s
	}
	return s
}

type moduleOutcome struct {
	mod    modules.Module
	result modules.Result
}

// runModules fans d out to every module in mods, bounded by the
// pipeline's worker semaphore, and returns each module's outcome
// indexed by its position in mods — so the caller can pick the
// earliest-declared block deterministically regardless of completion
// order (SPEC_FULL.md section 4.6).
func (p *Pipeline) runModules(mods []modules.Module, in modules.Input) []moduleOutcome {
	outcomes := make([]moduleOutcome, len(mods))
	var wg sync.WaitGroup

	for i, mod := range mods {
		if mod == nil {
			continue
		}
		wg.Add(1)
		p.sem <- struct{}{}
		go func(i int, mod modules.Module) {
			defer wg.Done()
			defer func() { <-p.sem }()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("module panicked, treating as allow", zap.String("module", mod.Name()), zap.Any("panic", r))
					outcomes[i] = moduleOutcome{mod: mod, result: modules.Result{Action: modules.ActionAllow, Reason: "module_panic"}}
				}
			}()
			in := in
			in.Scratch = p.scratchFor(mod.Name())
			outcomes[i] = moduleOutcome{mod: mod, result: mod.Run(in)}
		}(i, mod)
	}

	wg.Wait()
	return outcomes
}

// firstBlock returns the earliest-declared blocking outcome, if any.
func firstBlock(outcomes []moduleOutcome) (moduleOutcome, bool) {
	for _, o := range outcomes {
		if o.mod == nil {
			continue
		}
		if o.result.Action == modules.ActionBlock {
			return o, true
		}
	}
	return moduleOutcome{}, false
}

// CheckRequest runs a request descriptor through the decision cache,
// the ban store, and the full request-phase module set, grounded on
// the Python original's WAFApp.check_request. A cache hit is returned
// before the ban store is consulted; "banned" verdicts are not cached.
func (p *Pipeline) CheckRequest(d Descriptor) Verdict {
	path := normalize.DecodeBase64(d.Path)

	key := cache.Key{IP: d.IP, Method: d.Method, Header: d.Header, UserAgent: d.UserAgent, Path: d.Path, Body: d.Body}
	if decision, ok := p.cache.Get(key); ok {
		v := Verdict{Action: decision.Action, Reason: decision.Reason, Module: decision.Module, MatchedRule: decision.MatchedRule, Cached: true}
		p.traffic.Log(d.RequestID, d.IP, d.Method, path, d.UserAgent, v.Action, v.Reason, v.Module, v.MatchedRule, nil)
		return v
	}

	if banned, reason := p.banStore.IsBanned(d.IP); banned {
		p.logger.Info("blocked banned IP", zap.String("ip", d.IP), zap.String("reason", reason))
		v := Verdict{Action: modules.ActionBlock, Reason: "banned: " + reason, Module: "bans"}
		p.traffic.Log(d.RequestID, d.IP, d.Method, path, d.UserAgent, v.Action, v.Reason, v.Module, "", nil)
		return v
	}

	in := modules.Input{
		Phase:     modules.PhaseRequest,
		IP:        d.IP,
		Method:    d.Method,
		UserAgent: d.UserAgent,
		HeaderB64: d.Header,
		PathB64:   d.Path,
		BodyB64:   d.Body,
		Config:    p.config,
		Rules:     p.rulesStore.Snapshot(),
		Matcher:   p.matcher,
	}

	outcomes := p.runModules(p.registry.ForPhase(modules.PhaseRequest), in)

	var v Verdict
	if outcome, blocked := firstBlock(outcomes); blocked {
		v = Verdict{Action: modules.ActionBlock, Reason: outcome.result.Reason, Module: outcome.mod.Name(), MatchedRule: outcome.result.MatchedRule}
		p.banStore.AddBan(d.IP, nil, outcome.result.Reason)
		p.alerts.Log(d.RequestID, v.Module, v.Reason, d.IP, d.Method, path, d.UserAgent, v.MatchedRule, nil)
	} else {
		v = Verdict{Action: modules.ActionAllow, Reason: "no_match"}
	}

	p.cache.Put(key, cache.Decision{Action: v.Action, Reason: v.Reason, Module: v.Module, MatchedRule: v.MatchedRule})
	p.traffic.Log(d.RequestID, d.IP, d.Method, path, d.UserAgent, v.Action, v.Reason, v.Module, v.MatchedRule, nil)

	return v
}

// CheckResponse runs a response descriptor through the response-phase
// module set (currently AntiHTTPGenericBruteforce only). The decision
// cache is never consulted for responses: every status code observed
// must feed the brute-force sliding window, per spec.md section 4.5.6.
func (p *Pipeline) CheckResponse(d Descriptor) Verdict {
	if !p.enableResponse {
		return Verdict{Action: modules.ActionAllow, Reason: "response_filter_disabled"}
	}

	if banned, _ := p.banStore.IsBanned(d.IP); banned {
		return Verdict{Action: modules.ActionAllow, Reason: "already_banned"}
	}

	in := modules.Input{
		Phase:      modules.PhaseResponse,
		IP:         d.IP,
		Method:     d.Method,
		HeaderB64:  d.Header,
		BodyB64:    d.Body,
		StatusCode: d.StatusCode,
		Config:     p.config,
		Rules:      p.rulesStore.Snapshot(),
		Matcher:    p.matcher,
	}

	outcomes := p.runModules(p.registry.ForPhase(modules.PhaseResponse), in)

	var v Verdict
	if outcome, blocked := firstBlock(outcomes); blocked {
		v = Verdict{Action: modules.ActionBlock, Reason: outcome.result.Reason, Module: outcome.mod.Name(), MatchedRule: outcome.result.MatchedRule}
		p.banStore.AddBan(d.IP, nil, outcome.result.Reason)
		p.logger.Info("response filtering blocked IP", zap.String("ip", d.IP), zap.String("reason", v.Reason))
		p.alerts.Log(d.RequestID, v.Module, v.Reason, d.IP, d.Method, "", "", v.MatchedRule, d.StatusCode)
		p.traffic.Log(d.RequestID, d.IP, d.Method, "", "", v.Action, v.Reason, v.Module, v.MatchedRule, d.StatusCode)
		return v
	}

	v = Verdict{Action: modules.ActionAllow, Reason: "no_match"}
	p.traffic.Log(d.RequestID, d.IP, d.Method, "", "", v.Action, v.Reason, v.Module, v.MatchedRule, d.StatusCode)
	return v
}
