// Package constraint evaluates optional per-job JavaScript constraint
// expressions using goja.
//
// An expression is either a plain JavaScript expression such as
//
//	altitude > 40 && moon.illumination < 50
//
// or a code block wrapped in ${ ... } that returns a boolean.
package constraint

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds the run time of a single expression.
const DefaultTimeout = 100 * time.Millisecond

// Evaluator runs constraint expressions. It is safe for concurrent use; every
// evaluation gets its own runtime.
type Evaluator struct {
	library []string
	timeout time.Duration
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator. The library holds JavaScript snippets
// loaded before every expression, for shared helper functions.
func NewEvaluator(library []string, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		library: library,
		timeout: DefaultTimeout,
		logger:  logger.With("component", "constraint"),
	}
}

func (e *Evaluator) setupVM(ctx Context) (*goja.Runtime, error) {
	vm := goja.New()

	for i, lib := range e.library {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("library[%d]: %w", i, err)
		}
	}

	vars := map[string]any{
		"altitude":   ctx.Altitude,
		"hour_angle": ctx.HourAngle,
		"weather":    ctx.Weather,
		"now":        ctx.Now.Unix(),
		"moon": map[string]any{
			"separation":   ctx.Moon.Separation,
			"altitude":     ctx.Moon.Altitude,
			"illumination": ctx.Moon.Illumination,
		},
	}
	for name, v := range vars {
		if err := vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", name, err)
		}
	}
	return vm, nil
}

// program turns an expression into the JavaScript source to run.
func program(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}") {
		code := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(expr, "${"), "}"))
		return fmt.Sprintf("(function() { %s })()", code)
	}
	return fmt.Sprintf("(%s)", expr)
}

// Evaluate runs expr against ctx. An empty expression is true.
func (e *Evaluator) Evaluate(expr string, ctx Context) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	vm, err := e.setupVM(ctx)
	if err != nil {
		return false, err
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("constraint timed out")
	})
	defer timer.Stop()

	val, err := vm.RunString(program(expr))
	if err != nil {
		return false, fmt.Errorf("JavaScript error: %w", err)
	}

	switch v := val.Export().(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression did not return boolean: %T", v)
	}
}

// Allows reports whether expr holds for ctx. Evaluation errors count as
// false and are logged.
func (e *Evaluator) Allows(job, expr string, ctx Context) bool {
	ok, err := e.Evaluate(expr, ctx)
	if err != nil {
		e.logger.Warn("constraint expression failed", "job", job, "expression", expr, "error", err)
		return false
	}
	return ok
}

// Compile checks that expr is syntactically valid JavaScript.
func Compile(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	if _, err := goja.Compile("constraint", program(expr), false); err != nil {
		return fmt.Errorf("compile constraint: %w", err)
	}
	return nil
}
