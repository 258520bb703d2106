// Package healthpolicy decides when the GPU slot is quarantined and when
// it recovers, by evaluating CEL rules against each health check outcome.
//
// The policy only ever moves the slot between available and quarantined;
// a busy slot is never touched.
package healthpolicy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Action is what a matching rule does to the slot.
type Action string

const (
	// ActionQuarantine moves an available slot to quarantined.
	ActionQuarantine Action = "quarantine"

	// ActionRecover moves a quarantined slot back to available.
	ActionRecover Action = "recover"

	// ActionNone matches without changing anything, useful for carving
	// exceptions out ahead of a broader rule.
	ActionNone Action = "none"
)

// Policy is an ordered rule set. Rules are evaluated in priority order
// (highest first); the first matching rule decides the action.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// Rule is a single quarantine rule.
type Rule struct {
	// Name identifies the rule in logs.
	Name string `yaml:"name"`

	// Condition is a CEL expression over a 'check' variable with fields:
	//   - check.overall (string): healthy, warning, unhealthy
	//   - check.driver_responsive, check.temperature_normal,
	//     check.power_normal, check.no_ecc_errors,
	//     check.fan_operational (bool)
	//   - check.error_count (int): failing probes in this check
	//   - check.consecutive_failures (int): unhealthy checks in a row
	//   - check.temperature, check.power (double): last sample, 0 if unknown
	//   - check.status (string): current slot status
	Condition string `yaml:"condition"`

	// Action applies when the condition holds.
	Action Action `yaml:"action"`

	// Priority orders evaluation, highest first. Equal priorities keep
	// definition order.
	Priority int `yaml:"priority"`
}

// Default returns the built-in policy: quarantine after three consecutive
// unhealthy checks, recover on the first healthy check while quarantined.
func Default() *Policy {
	return &Policy{
		Rules: []Rule{
			{
				Name:      "quarantine-after-repeated-failures",
				Condition: `check.status == "available" && check.consecutive_failures >= 3`,
				Action:    ActionQuarantine,
				Priority:  10,
			},
			{
				Name:      "recover-on-healthy",
				Condition: `check.status == "quarantined" && check.overall == "healthy"`,
				Action:    ActionRecover,
				Priority:  10,
			},
		},
	}
}

// Load reads a policy from a YAML file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse parses a policy from YAML bytes.
func Parse(data []byte) (*Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks that the policy is well-formed.
func (p *Policy) Validate() error {
	if len(p.Rules) == 0 {
		return fmt.Errorf("policy must have at least one rule")
	}
	for i, rule := range p.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if rule.Condition == "" {
			return fmt.Errorf("rule %q: condition is required", rule.Name)
		}
		switch rule.Action {
		case ActionQuarantine, ActionRecover, ActionNone:
		default:
			return fmt.Errorf("rule %q: invalid action %q (must be quarantine, recover, or none)", rule.Name, rule.Action)
		}
	}
	return nil
}

// SortedRules returns the rules by priority descending, stable for equal
// priorities.
func (p *Policy) SortedRules() []Rule {
	sorted := make([]Rule, len(p.Rules))
	copy(sorted, p.Rules)
	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 && sorted[j].Priority > sorted[j-1].Priority {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			j--
		}
	}
	return sorted
}
