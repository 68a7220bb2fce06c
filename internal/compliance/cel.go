package compliance

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CompiledRule pairs a rule config with its pre-compiled CEL program.
type CompiledRule struct {
	Config  RuleConfig
	program cel.Program
}

// CELEvaluator compiles and evaluates CEL rule conditions against outbound
// message attributes. Expressions are compiled once at policy load time;
// evaluation is lock-free and safe for concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewCELEvaluator creates a CELEvaluator with the variables available in
// policy rule conditions.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("content", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("account_id", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("action", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "compliance.CELEvaluator"),
	}, nil
}

// Compile parses and type-checks a rule condition. Call at load time, not in
// the hot path.
func (c *CELEvaluator) Compile(rule RuleConfig) (CompiledRule, error) {
	ast, issues := c.env.Compile(rule.Condition)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", rule.Condition, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", rule.Condition, ast.OutputType())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", rule.Condition, err)
	}
	c.logger.Debug("compiled policy rule", "rule", rule.Name, "condition", rule.Condition)
	return CompiledRule{Config: rule, program: prg}, nil
}

// Evaluate runs a compiled rule. True means the rule's condition matched.
func (c *CELEvaluator) Evaluate(rule CompiledRule, content, actor, accountID, sessionID, action string) (bool, error) {
	out, _, err := rule.program.Eval(map[string]interface{}{
		"content":    content,
		"actor":      actor,
		"account_id": accountID,
		"session_id": sessionID,
		"action":     action,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for rule %q: %w", rule.Config.Name, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q returned non-bool: %T", rule.Config.Name, out.Value())
	}
	return matched, nil
}
