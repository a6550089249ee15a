package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	celOnce  sync.Once
	celEnv   *cel.Env
	celErr   error
	programs sync.Map // expression -> cel.Program
)

func environment() (*cel.Env, error) {
	celOnce.Do(func() {
		celEnv, celErr = cel.NewEnv(
			cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return celEnv, celErr
}

func compileExpr(expr string) (cel.Program, error) {
	if p, ok := programs.Load(expr); ok {
		return p.(cel.Program), nil
	}
	env, err := environment()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile expr %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program expr %q: %w", expr, err)
	}
	programs.Store(expr, prg)
	return prg, nil
}

// evalExpr runs a CEL expression with the tree bound to the variable ctx.
func evalExpr(expr string, tree map[string]any) (bool, error) {
	prg, err := compileExpr(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"ctx": tree})
	if err != nil {
		return false, fmt.Errorf("eval expr %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expr %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}
