package workflow

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

var (
	ErrInvalidGuard = errors.New("invalid edge guard")
	ErrGuardNotBool = errors.New("guard did not evaluate to a bool")
)

// guardEnv exposes the entity view as `entity` and its fields as `fields`.
func newGuardEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	return env, nil
}

type guard struct {
	expr    string
	program cel.Program
}

func compileGuard(env *cel.Env, expr string) (*guard, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidGuard, expr, issues.Err())
	}

	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w %q: result type is %s", ErrInvalidGuard, expr, out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidGuard, expr, err)
	}

	return &guard{expr: expr, program: program}, nil
}

func (g *guard) eval(activation map[string]any) (bool, error) {
	out, _, err := g.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("guard %q: %w", g.expr, err)
	}

	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("%w: %q returned %T", ErrGuardNotBool, g.expr, out.Value())
	}

	return ok, nil
}
