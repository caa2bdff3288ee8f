package modules

import "go.uber.org/zap"

// Registry is the fixed, statically-declared module list the pipeline
// orchestrator fans a request out to. Order is significant: when more
// than one module blocks concurrently, the orchestrator picks the
// earliest-declared block, not the first goroutine to finish
// (SPEC_FULL.md section 4.6, "declaration order" tie-breaking policy).
type Registry struct {
	Request  []Module
	Response []Module
}

// NewRegistry builds the fixed module registry. If the CEL environment
// for CustomExpressionRules fails to initialize, it returns that error
// and no registry.
func NewRegistry(logger *zap.Logger) (*Registry, error) {
	exprRules, err := NewCustomExpressionRules(logger)
	if err != nil {
		return nil, err
	}

	return &Registry{
		Request: []Module{
			BasicAttackRules{},
			exprRules,
			BotDetection{},
			APIAbuseDetection{},
			FileUploadProtection{},
			SlowLorisProtection{},
		},
		Response: []Module{
			AntiHTTPGenericBruteforce{},
		},
	}, nil
}

// ForPhase returns the fixed module slice for the given request phase,
// in declaration order.
func (r *Registry) ForPhase(phase Phase) []Module {
	if phase == PhaseResponse {
		return r.Response
	}
	return r.Request
}
