package policy

import (
	"context"
	_ "embed"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"gopkg.in/yaml.v3"
)

//go:embed cloudformation.rego
var policyContent string

// Validator checks CloudFormation templates against the embedded rego policy
type Validator struct {
	allow      rego.PreparedEvalQuery
	violations rego.PreparedEvalQuery
}

type ValidationResult struct {
	Allowed    bool     `json:"allowed"`
	Violations []string `json:"violations,omitempty"`
}

func NewValidator(ctx context.Context) (*Validator, error) {
	allow, err := prepare(ctx, "data.cloudformation.allow")
	if err != nil {
		return nil, err
	}
	violations, err := prepare(ctx, "data.cloudformation.violations")
	if err != nil {
		return nil, err
	}

	return &Validator{
		allow:      allow,
		violations: violations,
	}, nil
}

func prepare(ctx context.Context, query string) (rego.PreparedEvalQuery, error) {
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("cloudformation.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare policy query %s: %w", query, err)
	}
	return prepared, nil
}

// ValidateTemplate parses a YAML or JSON template and evaluates its resources
func (v *Validator) ValidateTemplate(ctx context.Context, template []byte) (*ValidationResult, error) {
	var parsed map[string]any
	if err := yaml.Unmarshal(template, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse CloudFormation template: %w", err)
	}
	return v.Validate(ctx, parsed)
}

// Validate evaluates the resources of an already parsed template
func (v *Validator) Validate(ctx context.Context, template map[string]any) (*ValidationResult, error) {
	input := map[string]any{
		"Resources": template["Resources"],
	}

	results, err := v.allow.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned no results"},
		}, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return &ValidationResult{
			Allowed:    false,
			Violations: []string{"policy evaluation returned non-boolean result"},
		}, nil
	}

	result := &ValidationResult{
		Allowed: allowed,
	}

	if !allowed {
		violations, err := v.getViolations(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to get violations: %w", err)
		}
		result.Violations = violations
	}

	return result, nil
}

func (v *Validator) getViolations(ctx context.Context, input map[string]any) ([]string, error) {
	results, err := v.violations.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate violations: %w", err)
	}

	if len(results) == 0 || results[0].Expressions[0].Value == nil {
		return []string{"unknown policy violation"}, nil
	}

	// rego sets surface as arrays
	var violations []string
	if values, ok := results[0].Expressions[0].Value.([]any); ok {
		for _, value := range values {
			if str, ok := value.(string); ok {
				violations = append(violations, str)
			}
		}
	}

	if len(violations) == 0 {
		return []string{"policy validation failed but no specific violations found"}, nil
	}

	sort.Strings(violations)
	return violations, nil
}
