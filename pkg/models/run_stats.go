package models

import "time"

// RunStats is an aggregated summary of one orchestrator run, accumulated
// from its canonical event stream. Not part of the wire protocol's required
// surface, but exposed as an informational status field and via metrics —
// the natural read-side projection the teacher's StatsCollector pattern
// already provides.
type RunStats struct {
	RequestID string    `json:"request_id"`
	Agent     AgentKind `json:"agent"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	AssistantChunks int `json:"assistant_chunks,omitempty"`
	ToolCalls       int `json:"tool_calls,omitempty"`
	ToolResults     int `json:"tool_results,omitempty"`

	FellBack bool `json:"fell_back,omitempty"`
	Errors   int  `json:"errors,omitempty"`

	FinalPhase StatusPhase `json:"final_phase,omitempty"`
}
