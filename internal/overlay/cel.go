package overlay

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/alicia-run/alicia/internal/policy"
)

// RuleEvaluator compiles and evaluates the overlay's optional [[rule]] CEL
// expressions. Expressions see two variables: action_kind (string) and
// target (string). The variable surface is kept deliberately small since
// this extension point only ever tightens the already-computed base
// decision.
type RuleEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewRuleEvaluator builds the CEL environment shared by every compiled
// rule.
func NewRuleEvaluator(logger *slog.Logger) (*RuleEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("action_kind", cel.StringType),
		cel.Variable("target", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("overlay: failed to create CEL environment: %w", err)
	}

	return &RuleEvaluator{env: env, logger: logger.With("component", "overlay.RuleEvaluator")}, nil
}

// compiledRule pairs a Rule with its type-checked CEL program.
type compiledRule struct {
	rule    Rule
	program cel.Program
}

// Compile type-checks and compiles every rule in rules. A rule whose
// condition fails to compile, or does not evaluate to bool, is logged and
// skipped rather than failing the whole overlay load. Compile itself
// therefore never returns an error; a non-nil error is reserved for
// environment-level failures, which cannot occur here since the env is
// fixed at construction.
func (e *RuleEvaluator) Compile(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		ast, issues := e.env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			e.logger.Error("skipping overlay rule with invalid CEL expression", "rule", r.Name, "error", issues.Err())
			continue
		}
		if ast.OutputType() != cel.BoolType {
			e.logger.Error("skipping overlay rule whose condition is not boolean", "rule", r.Name, "output_type", ast.OutputType())
			continue
		}
		program, err := e.env.Program(ast)
		if err != nil {
			e.logger.Error("skipping overlay rule that failed to build a CEL program", "rule", r.Name, "error", err)
			continue
		}
		compiled = append(compiled, compiledRule{rule: r, program: program})
	}
	return compiled, nil
}

// Apply folds every matching rule's effect into decision via policy.Combine,
// so a rule can only tighten the outcome, never loosen it.
func (e *RuleEvaluator) Apply(compiled []compiledRule, actionKind policy.ActionKind, target string, decision policy.Decision) policy.Decision {
	result := decision
	for _, c := range compiled {
		out, _, err := c.program.Eval(map[string]any{
			"action_kind": string(actionKind),
			"target":      target,
		})
		if err != nil {
			e.logger.Error("overlay rule evaluation failed, ignoring rule", "rule", c.rule.Name, "error", err)
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		result = policy.Combine(result, c.rule.Effect)
	}
	return result
}
