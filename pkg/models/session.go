package models

// Session is identified by (ProjectID, Agent) and tracks what the CLI needs
// to resume a conversation plus what the Hub needs to order outbound events.
//
// native_session_id is only ever written by the Session State Store's write
// path for a run whose terminal status is complete (directly, or reached via
// fellback) and that emitted at least one AssistantText — a partial run never
// advances the session.
type Session struct {
	ProjectID       string
	Agent           AgentKind
	NativeSessionID string // empty until the adapter reveals one
	LastModel       ModelId
	Seq             uint64 // last seq stamped for this session
}

// Key returns the Session State Store's lookup key for this session.
func (s Session) Key() SessionKey {
	return SessionKey{ProjectID: s.ProjectID, Agent: s.Agent}
}

// SessionKey is the (project, agent) pair the Session State Store is keyed
// on. It is a value type so it can be used directly as a map key.
type SessionKey struct {
	ProjectID string
	Agent     AgentKind
}
