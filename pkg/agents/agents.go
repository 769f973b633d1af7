// Package agents provides the built-in demo agents and tools served by
// agentdbg out of the box.
package agents

import (
	"fmt"

	"github.com/papercomputeco/agentdbg/pkg/executor"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

const toolChainFile = "agents/tool_chain"

// Register adds the built-in agents and tools to e.
func Register(e *executor.Executor) {
	for _, t := range builtinTools {
		e.RegisterTool(t.name, t.fn, t.meta)
	}
	e.RegisterAgent("echo", executor.AgentFunc(EchoAgent), executor.Metadata{
		Description: "Returns its input",
		Tags:        []string{"demo"},
		Version:     "1.0.0",
	})
	e.RegisterAgent("tool_chain", executor.AgentFunc(ToolChainAgent), executor.Metadata{
		Description: "Echoes a message and adds two numbers through tools",
		Tags:        []string{"demo", "tools"},
		Version:     "1.0.0",
	})
}

// EchoAgent logs and checkpoints its input, then returns it.
func EchoAgent(ec executor.ExecutionContext, input any) (any, error) {
	ec.Log(protocol.LogInfo, "echoing input")
	if err := ec.SetVariable("input", input); err != nil {
		return nil, err
	}
	ec.Checkpoint(input)
	return input, nil
}

// ToolChainAgent reads "message", "a" and "b" from its input, echoes the
// message and sums the numbers through the echo and math tools. It reports
// the phases plan, compute and finish.
func ToolChainAgent(ec executor.ExecutionContext, input any) (any, error) {
	params, _ := input.(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	message, _ := params["message"].(string)
	if message == "" {
		message = "hello"
	}
	a, b := params["a"], params["b"]
	if a == nil {
		a = 1
	}
	if b == nil {
		b = 2
	}

	ec.PushFrame("tool_chain", &protocol.SourceLocation{File: toolChainFile, Line: 1}, map[string]any{
		"message": message,
		"a":       a,
		"b":       b,
	})
	defer ec.PopFrame()

	if err := ec.Phase("plan"); err != nil {
		return nil, err
	}
	ec.Log(protocol.LogInfo, fmt.Sprintf("planning: echo %q then add %v and %v", message, a, b))

	if err := ec.Line(toolChainFile, 10); err != nil {
		return nil, err
	}
	echoed, err := ec.CallTool("echo", map[string]any{"message": message})
	if err != nil {
		return nil, fmt.Errorf("echo: %w", err)
	}
	if err := ec.SetVariable("echoed", echoed); err != nil {
		return nil, err
	}

	if err := ec.Phase("compute"); err != nil {
		return nil, err
	}
	if err := ec.Line(toolChainFile, 20); err != nil {
		return nil, err
	}
	sum, err := ec.CallTool("math", map[string]any{"op": "add", "a": a, "b": b})
	if err != nil {
		return nil, fmt.Errorf("math: %w", err)
	}
	if err := ec.SetVariable("sum", sum); err != nil {
		return nil, err
	}
	ec.Checkpoint(map[string]any{"sum": sum})
	ec.Snapshot("after-compute")

	if err := ec.Phase("finish"); err != nil {
		return nil, err
	}
	return map[string]any{"echo": echoed, "sum": sum}, nil
}
