package modules

import (
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/r-waf/rwafd/internal/normalize"
	"github.com/r-waf/rwafd/internal/rules"
)

// CustomExpressionRules evaluates operator-defined CEL predicates from
// *_expr.json rule files against the declared request environment
// (SPEC_FULL.md section 4.5.7): a supplemented module with no Python
// original, modeled on the condition-language approach the pack's other
// WAF-adjacent repos use google/cel-go for.
type CustomExpressionRules struct {
	logger *zap.Logger
	env    *cel.Env

	mu      sync.Mutex
	cached  map[string]cel.Program
	invalid map[string]bool
}

// NewCustomExpressionRules builds the CEL environment declaring the
// fields exposed to rule expressions.
func NewCustomExpressionRules(logger *zap.Logger) (*CustomExpressionRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("ip", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("user_agent", cel.StringType),
		cel.Variable("header", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, err
	}
	return &CustomExpressionRules{
		logger:  logger,
		env:     env,
		cached:  make(map[string]cel.Program),
		invalid: make(map[string]bool),
	}, nil
}

func (CustomExpressionRules) Name() string { return "CustomExpressionRules" }

// compile returns a cached CEL program for expr, compiling and caching
// on first use. A malformed or non-boolean expression is marked invalid
// and skipped on every subsequent call without recompilation.
func (m *CustomExpressionRules) compile(expr string) (cel.Program, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.invalid[expr] {
		return nil, false
	}
	if prg, ok := m.cached[expr]; ok {
		return prg, true
	}

	ast, issues := m.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		m.logger.Warn("invalid custom expression rule, skipping", zap.String("expr", expr), zap.Error(issues.Err()))
		m.invalid[expr] = true
		return nil, false
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		m.logger.Warn("custom expression rule is not boolean-typed, skipping", zap.String("expr", expr))
		m.invalid[expr] = true
		return nil, false
	}

	prg, err := m.env.Program(ast)
	if err != nil {
		m.logger.Warn("failed to build custom expression program, skipping", zap.String("expr", expr), zap.Error(err))
		m.invalid[expr] = true
		return nil, false
	}

	m.cached[expr] = prg
	return prg, true
}

func (m *CustomExpressionRules) Run(in Input) Result {
	if in.Phase == PhaseResponse {
		return allow("skipped_response_phase")
	}

	files := in.Rules.FilesOfType(rules.TypeExpr)
	if len(files) == 0 {
		return allow("no_expr_rules")
	}

	vars := map[string]any{
		"ip":         in.IP,
		"method":     in.Method,
		"path":       normalize.DecodeBase64(in.PathB64),
		"user_agent": in.UserAgent,
		"header":     normalize.HeaderMap(in.HeaderB64),
	}

	for _, fname := range files {
		for _, expr := range in.Rules.Rules[fname] {
			prg, ok := m.compile(expr)
			if !ok {
				continue
			}
			out, _, err := prg.Eval(vars)
			if err != nil {
				m.logger.Warn("custom expression evaluation error, skipping", zap.String("expr", expr), zap.Error(err))
				continue
			}
			if b, ok := out.Value().(bool); ok && b {
				return block("expr_blocked", expr, map[string]any{"rule_file": fname})
			}
		}
	}

	return allow("no_match")
}
