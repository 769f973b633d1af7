package debugger

import (
	"fmt"
	"strings"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

// FormatStack renders a stack as a trace, innermost frame first:
//
//	#0 callTool (agent.go:42)
//	#1 plan
func FormatStack(stack []protocol.StackFrame) string {
	var b strings.Builder
	for depth := 0; depth < len(stack); depth++ {
		f := stack[len(stack)-1-depth]
		fmt.Fprintf(&b, "#%d %s", depth, f.Name)
		if f.Location != nil {
			if f.Location.Line > 0 {
				fmt.Fprintf(&b, " (%s:%d)", f.Location.File, f.Location.Line)
			} else {
				fmt.Fprintf(&b, " (%s)", f.Location.File)
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ResolveVariable looks up name in a single frame. depth 0 is the innermost frame.
func ResolveVariable(stack []protocol.StackFrame, depth int, name string) (any, bool) {
	if depth < 0 || depth >= len(stack) {
		return nil, false
	}
	v, ok := stack[len(stack)-1-depth].Variables[name]
	return v, ok
}

// FlattenScope merges the variables of every frame into one map. Inner frames
// shadow outer ones.
func FlattenScope(stack []protocol.StackFrame) map[string]any {
	scope := map[string]any{}
	for _, f := range stack {
		for k, v := range f.Variables {
			scope[k] = v
		}
	}
	return scope
}
