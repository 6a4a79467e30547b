package orchestrator

import (
	"time"

	"github.com/cliorch/cliorchd/internal/observability"
	"github.com/cliorch/cliorchd/pkg/models"
)

// statsCollector accumulates models.RunStats by processing one run's
// canonical events, adapted from the teacher's agent.StatsCollector
// (internal/agent/event_emitter.go) to this domain's event vocabulary:
// assistant text chunks and tool calls/results in place of model/tool
// lifecycle events.
type statsCollector struct {
	s             models.RunStats
	lastErrorKind models.ErrorKind
	toolStarts    map[string]time.Time
	toolNames     map[string]string
	metrics       *observability.Metrics
}

func newStatsCollector(requestID string, agent models.AgentKind) *statsCollector {
	return &statsCollector{
		s: models.RunStats{
			RequestID: requestID,
			Agent:     agent,
			StartedAt: time.Now(),
		},
		toolStarts: make(map[string]time.Time),
		toolNames:  make(map[string]string),
	}
}

func (c *statsCollector) onEvent(evt models.CanonicalEvent) {
	switch evt.Type {
	case models.EventAssistantText:
		c.s.AssistantChunks++

	case models.EventToolCall:
		c.s.ToolCalls++
		if evt.ToolCall != nil {
			c.toolStarts[evt.ToolCall.CallID] = evt.Time
			c.toolNames[evt.ToolCall.CallID] = evt.ToolCall.Tool
		}

	case models.EventToolResult:
		c.s.ToolResults++
		if evt.ToolResult != nil {
			if c.metrics != nil {
				name := c.toolNames[evt.ToolResult.CallID]
				status := "success"
				if !evt.ToolResult.OK {
					status = "error"
				}
				duration := 0.0
				if start, ok := c.toolStarts[evt.ToolResult.CallID]; ok && !evt.Time.IsZero() {
					duration = evt.Time.Sub(start).Seconds()
				}
				c.metrics.RecordToolCall(string(c.s.Agent), name, status, duration)
			}
			delete(c.toolStarts, evt.ToolResult.CallID)
			delete(c.toolNames, evt.ToolResult.CallID)
		}

	case models.EventError:
		c.s.Errors++
		if evt.Error != nil {
			c.lastErrorKind = evt.Error.Kind
		}

	case models.EventStatus:
		if evt.Status == nil {
			return
		}
		c.s.FinalPhase = evt.Status.Phase
		if evt.Status.Phase == models.PhaseFellback {
			c.s.FellBack = true
		}
		if evt.Status.Phase.Terminal() {
			c.s.FinishedAt = evt.Time
			c.s.WallTime = c.s.FinishedAt.Sub(c.s.StartedAt)
		}
	}
}

func (c *statsCollector) stats() *models.RunStats {
	out := c.s
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now()
		out.WallTime = out.FinishedAt.Sub(out.StartedAt)
	}
	return &out
}
