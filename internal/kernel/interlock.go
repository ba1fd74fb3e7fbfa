package kernel

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/twinops/twinops/internal/contracts"
)

// interlockProgram is a compiled CEL predicate for one interlock rule. The
// rule's deny_when {submodel, path, op, value} is compiled once into
// `current <op> value` and evaluated against the observed current value on
// every decision, grounded on pkg/kernel/cel_dp.go's evaluateWithCEL shape.
type interlockProgram struct {
	rule contracts.Interlock
	prog cel.Program
}

var celEnv = mustCELEnv()

func mustCELEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("current", cel.DynType),
		cel.Variable("threshold", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("kernel: failed to build CEL environment: %v", err))
	}
	return env
}

func compileInterlockOp(op contracts.InterlockOp) (string, error) {
	switch op {
	case contracts.OpGT:
		return "double(current) > double(threshold)", nil
	case contracts.OpLT:
		return "double(current) < double(threshold)", nil
	case contracts.OpGE:
		return "double(current) >= double(threshold)", nil
	case contracts.OpLE:
		return "double(current) <= double(threshold)", nil
	case contracts.OpEQ:
		return "current == threshold", nil
	case contracts.OpNE:
		return "current != threshold", nil
	default:
		return "", fmt.Errorf("unknown interlock operator %q", op)
	}
}

// compileInterlock compiles one rule's comparison into a reusable CEL program.
func compileInterlock(rule contracts.Interlock) (*interlockProgram, error) {
	expr, err := compileInterlockOp(rule.DenyWhen.Op)
	if err != nil {
		return nil, err
	}
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("interlock %s: compile: %w", rule.ID, issues.Err())
	}
	prog, err := celEnv.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("interlock %s: program: %w", rule.ID, err)
	}
	return &interlockProgram{rule: rule, prog: prog}, nil
}

// violates reports whether current violates this interlock's threshold. A
// non-numeric current value compared with a numeric op falls through to the
// CEL runtime's own type error, surfaced to the caller as an evaluation error
// so fail-safe handling applies identically to "missing" and "malformed".
func (p *interlockProgram) violates(current any) (bool, error) {
	out, _, err := p.prog.Eval(map[string]any{
		"current":   current,
		"threshold": p.rule.DenyWhen.Value,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("interlock %s: predicate did not return a boolean", p.rule.ID)
	}
	return b, nil
}
