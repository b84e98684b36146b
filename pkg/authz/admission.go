package authz

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// admissionRule is an optional CEL expression evaluated over the trigger
// event after the static checks pass. It must evaluate to a bool.
type admissionRule struct {
	expr string
	prg  cel.Program
}

func compileAdmission(expr string) (*admissionRule, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile admission rule: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("admission program: %w", err)
	}
	return &admissionRule{expr: expr, prg: prg}, nil
}

// allows evaluates the rule. Any error denies.
func (r *admissionRule) allows(input map[string]any) (bool, error) {
	out, _, err := r.prg.Eval(map[string]any{"event": input})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
