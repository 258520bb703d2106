package healthpolicy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/tensorlend/hostagent/pkg/gpu"
	"github.com/tensorlend/hostagent/pkg/store"
)

// Check is one health check outcome in the shape the rules see.
type Check struct {
	Record              *gpu.HealthRecord
	ConsecutiveFailures int
	Status              store.SlotStatus

	// Last sampled readings, zero when the probe could not read them.
	Temperature float64
	Power       float64
}

// Decision is the outcome of evaluating a check against the policy.
type Decision struct {
	Action Action

	// Rule is the name of the rule that decided, empty when nothing
	// matched.
	Rule string
}

// Evaluator evaluates health checks against a compiled policy.
type Evaluator struct {
	policy   *Policy
	programs map[string]cel.Program
}

// NewEvaluator compiles the policy's rule conditions.
func NewEvaluator(policy *Policy) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("check", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	programs := make(map[string]cel.Program, len(policy.Rules))
	for _, rule := range policy.Rules {
		ast, issues := env.Compile(rule.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile rule %q: %w", rule.Name, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to build program for rule %q: %w", rule.Name, err)
		}
		programs[rule.Name] = program
	}

	return &Evaluator{policy: policy, programs: programs}, nil
}

// Evaluate returns the first matching rule's action, in priority order.
// A rule that fails to evaluate is skipped.
func (e *Evaluator) Evaluate(check Check) (Decision, error) {
	input := map[string]any{"check": checkToMap(check)}

	for _, rule := range e.policy.SortedRules() {
		out, _, err := e.programs[rule.Name].Eval(input)
		if err != nil {
			continue
		}
		if out.Type() == types.BoolType && out.Value().(bool) {
			return Decision{Action: rule.Action, Rule: rule.Name}, nil
		}
	}
	return Decision{Action: ActionNone}, nil
}

func checkToMap(c Check) map[string]any {
	m := map[string]any{
		"overall":              "",
		"driver_responsive":    false,
		"temperature_normal":   false,
		"power_normal":         false,
		"no_ecc_errors":        false,
		"fan_operational":      false,
		"error_count":          int64(0),
		"consecutive_failures": int64(c.ConsecutiveFailures),
		"temperature":          c.Temperature,
		"power":                c.Power,
		"status":               string(c.Status),
	}
	if c.Record != nil {
		m["overall"] = string(c.Record.Overall)
		m["driver_responsive"] = c.Record.DriverResponsive
		m["temperature_normal"] = c.Record.TemperatureNormal
		m["power_normal"] = c.Record.PowerNormal
		m["no_ecc_errors"] = c.Record.NoECCErrors
		m["fan_operational"] = c.Record.FanOperational
		m["error_count"] = int64(c.Record.ErrorCount)
	}
	return m
}
