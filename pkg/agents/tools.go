package agents

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/papercomputeco/agentdbg/pkg/executor"
)

// MaxSleep bounds the sleep tool.
const MaxSleep = time.Minute

var ErrDivisionByZero = errors.New("division by zero")

// Echo returns its parameters unchanged.
func Echo(_ context.Context, params map[string]any) (any, error) {
	out := make(map[string]any, len(params))
	maps.Copy(out, params)
	return out, nil
}

// Sleep waits for params["ms"] milliseconds, or until ctx ends.
func Sleep(ctx context.Context, params map[string]any) (any, error) {
	ms, err := number(params, "ms")
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, fmt.Errorf("ms must not be negative")
	}
	d := min(time.Duration(ms)*time.Millisecond, MaxSleep)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return map[string]any{"sleptMs": d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Math applies params["op"] (add, sub, mul or div) to params["a"] and params["b"].
func Math(_ context.Context, params map[string]any) (any, error) {
	op, _ := params["op"].(string)
	a, err := number(params, "a")
	if err != nil {
		return nil, err
	}
	b, err := number(params, "b")
	if err != nil {
		return nil, err
	}

	switch op {
	case "add":
		return a + b, nil
	case "sub":
		return a - b, nil
	case "mul":
		return a * b, nil
	case "div":
		if b == 0 {
			return nil, ErrDivisionByZero
		}
		return a / b, nil
	}
	return nil, fmt.Errorf("unknown op %q", op)
}

func number(params map[string]any, key string) (float64, error) {
	switch v := params[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

type toolDef struct {
	name string
	fn   executor.ToolFunc
	meta executor.Metadata
}

var builtinTools = []toolDef{
	{"echo", Echo, executor.Metadata{Description: "Returns its parameters", Tags: []string{"demo"}, Version: "1.0.0"}},
	{"sleep", Sleep, executor.Metadata{Description: "Waits for ms milliseconds", Tags: []string{"demo", "time"}, Version: "1.0.0"}},
	{"math", Math, executor.Metadata{Description: "Applies op (add, sub, mul, div) to a and b", Tags: []string{"demo", "math"}, Version: "1.0.0"}},
}
