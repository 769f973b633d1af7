package executor

import (
	"context"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Agent is an opaque unit of decision logic. It receives an ExecutionContext
// through which every tool call, variable and log line is mediated.
type Agent interface {
	Run(ec ExecutionContext, input any) (any, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ec ExecutionContext, input any) (any, error)

func (f AgentFunc) Run(ec ExecutionContext, input any) (any, error) { return f(ec, input) }

// Tool is an external capability an agent may call.
type Tool interface {
	Call(ctx context.Context, params map[string]any) (any, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

func (f ToolFunc) Call(ctx context.Context, params map[string]any) (any, error) { return f(ctx, params) }

// Metadata describes a registered agent or tool.
type Metadata struct {
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Version     string   `json:"version,omitempty"`
}

// AgentInfo is a registered agent.
type AgentInfo struct {
	ID string `json:"id"`
	Metadata
}

// ToolInfo is a registered tool.
type ToolInfo struct {
	Name string `json:"name"`
	Metadata
}

type agentEntry struct {
	agent Agent
	meta  Metadata
}

type toolEntry struct {
	tool Tool
	meta Metadata
}

// RegisterAgent adds or replaces an agent.
func (e *Executor) RegisterAgent(id string, agent Agent, meta Metadata) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.agents[id] = agentEntry{agent: agent, meta: meta}
}

// UnregisterAgent removes an agent.
func (e *Executor) UnregisterAgent(id string) bool {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	_, ok := e.agents[id]
	delete(e.agents, id)
	return ok
}

// Agent looks up an agent.
func (e *Executor) Agent(id string) (Agent, bool) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	entry, ok := e.agents[id]
	return entry.agent, ok
}

// ListAgents returns the registered agents sorted by id.
func (e *Executor) ListAgents() []AgentInfo {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	out := lo.MapToSlice(e.agents, func(id string, entry agentEntry) AgentInfo {
		return AgentInfo{ID: id, Metadata: entry.meta}
	})
	slices.SortFunc(out, func(a, b AgentInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// RegisterTool adds or replaces a tool.
func (e *Executor) RegisterTool(name string, tool Tool, meta Metadata) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.tools[name] = toolEntry{tool: tool, meta: meta}
}

// UnregisterTool removes a tool.
func (e *Executor) UnregisterTool(name string) bool {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	_, ok := e.tools[name]
	delete(e.tools, name)
	return ok
}

// Tool looks up a tool.
func (e *Executor) Tool(name string) (Tool, bool) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	entry, ok := e.tools[name]
	return entry.tool, ok
}

// ListTools returns the registered tools sorted by name.
func (e *Executor) ListTools() []ToolInfo {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	out := lo.MapToSlice(e.tools, func(name string, entry toolEntry) ToolInfo {
		return ToolInfo{Name: name, Metadata: entry.meta}
	})
	slices.SortFunc(out, func(a, b ToolInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}
