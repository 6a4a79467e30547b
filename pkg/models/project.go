// Package models holds the data types shared across the orchestration core:
// projects, agent kinds, sessions, and the canonical event schema that every
// adapter output is normalized into.
package models

// AgentKind is the closed enumeration of CLI agents the core knows how to
// drive. Adapters declare exactly one AgentKind each.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentCursor AgentKind = "cursor"
	AgentCodex  AgentKind = "codex"
	AgentGemini AgentKind = "gemini"
	AgentQwen   AgentKind = "qwen"
)

// Valid reports whether k is one of the closed set of supported agents.
func (k AgentKind) Valid() bool {
	switch k {
	case AgentClaude, AgentCursor, AgentCodex, AgentGemini, AgentQwen:
		return true
	}
	return false
}

// AllAgentKinds lists every supported agent, in registration order.
func AllAgentKinds() []AgentKind {
	return []AgentKind{AgentClaude, AgentCursor, AgentCodex, AgentGemini, AgentQwen}
}

// ModelId is an opaque canonical model name interpreted only by the adapter
// for the owning AgentKind. The registry maps (AgentKind, ModelId) to the
// CLI's native model flag value.
type ModelId string

// Project is external to the core: the project store owns creation, update
// and deletion. The core treats it as read-only and never writes into the
// workspace itself.
type Project struct {
	ID             string
	WorkspacePath  string // absolute, writable directory tree
	PreferredAgent AgentKind
	PreferredModel ModelId
}
