package adapter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cliorch/cliorchd/pkg/models"
)

// ClaudeAdapter drives the Claude Code CLI (`claude`) in non-interactive,
// streaming JSON mode.
type ClaudeAdapter struct {
	binary     string
	modelTable map[string]string
	probeCache *availabilityCache
}

// NewClaudeAdapter builds the adapter for models.AgentClaude. binary
// defaults to "claude" when empty; modelTable maps canonical model names to
// the CLI's native --model flag values.
func NewClaudeAdapter(binary string, modelTable map[string]string) *ClaudeAdapter {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeAdapter{
		binary:     binary,
		modelTable: modelTable,
		probeCache: newAvailabilityCache(60 * time.Second),
	}
}

func (a *ClaudeAdapter) Kind() models.AgentKind { return models.AgentClaude }

func (a *ClaudeAdapter) Available(ctx context.Context) Availability {
	return a.probeCache.get(ctx, a.binary, []string{"--version"})
}

func (a *ClaudeAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return writeIdempotentRulesFile(filepath.Join(workspace, "CLAUDE.md"), systemPrompt)
}

func (a *ClaudeAdapter) Run(ctx context.Context, req RunRequest, cancelGrace time.Duration) (<-chan models.CanonicalEvent, error) {
	native, fellBack := ResolveModel(a.modelTable, req.Model, "")

	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--dangerously-skip-permissions",
	}
	if native != "" {
		args = append(args, "--model", native)
	}
	if req.PriorSessionID != "" {
		args = append(args, "--resume", req.PriorSessionID)
	}
	args = append(args, "--", req.Instruction)

	binary := a.binary
	if req.BinaryOverride != "" {
		binary = req.BinaryOverride
	}

	rp, err := startProcess(ctx, processConfig{
		Binary:       binary,
		Args:         args,
		Workspace:    req.Workspace,
		ExtraPassEnv: req.ExtraPassEnv,
		ExtraEnv:     req.ExtraEnv,
	})
	if err != nil {
		return nil, classifySpawnError(err)
	}

	parser := &claudeLineParser{}
	out := driveProcess(ctx, rp, parser, models.AgentClaude, req.RequestID, cancelGrace)

	if fellBack {
		return prependEvent(out, models.CanonicalEvent{
			Type:  models.EventError,
			Agent: models.AgentClaude,
			Error: &models.ErrorPayload{Kind: models.ErrKindModelFallback, Message: "unknown model " + string(req.Model) + ", using adapter default", Retryable: false},
		}), nil
	}
	return out, nil
}

// claudeLineParser turns Claude Code's stream-json NDJSON lines into
// canonical events. Tool input arrives as incremental input_json_delta
// fragments between content_block_start/content_block_stop; they are
// accumulated and emitted as a single ToolCall at the stop boundary.
type claudeLineParser struct {
	pendingToolID   string
	pendingToolName string
	pendingToolArgs strings.Builder
}

func (p *claudeLineParser) parseLine(line string) ([]models.CanonicalEvent, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, false
	}

	eventType, _ := raw["type"].(string)
	if eventType == "stream_event" {
		if inner, ok := raw["event"].(map[string]any); ok {
			raw = inner
			eventType, _ = raw["type"].(string)
		}
	}

	switch eventType {
	case "content_block_start":
		block, ok := raw["content_block"].(map[string]any)
		if !ok {
			return nil, true
		}
		if blockType, _ := block["type"].(string); blockType == "tool_use" {
			p.pendingToolID, _ = block["id"].(string)
			p.pendingToolName, _ = block["name"].(string)
			p.pendingToolArgs.Reset()
		}
		return nil, true

	case "content_block_delta":
		delta, ok := raw["delta"].(map[string]any)
		if !ok {
			return nil, true
		}
		switch deltaType, _ := delta["type"].(string); deltaType {
		case "text_delta":
			text, _ := delta["text"].(string)
			if text == "" {
				return nil, true
			}
			return []models.CanonicalEvent{{
				Type:          models.EventAssistantText,
				AssistantText: &models.AssistantTextPayload{Text: text, Final: false},
			}}, true
		case "input_json_delta":
			if partial, ok := delta["partial_json"].(string); ok {
				p.pendingToolArgs.WriteString(partial)
			}
			return nil, true
		}
		return nil, true

	case "content_block_stop":
		if p.pendingToolID == "" {
			return nil, true
		}
		argsJSON := p.pendingToolArgs.String()
		if argsJSON == "" {
			argsJSON = "{}"
		}
		event := models.CanonicalEvent{
			Type: models.EventToolCall,
			ToolCall: &models.ToolCallPayload{
				CallID:    p.pendingToolID,
				Tool:      p.pendingToolName,
				Arguments: json.RawMessage(argsJSON),
			},
		}
		p.pendingToolID = ""
		p.pendingToolName = ""
		return []models.CanonicalEvent{event}, true

	case "user":
		message, ok := raw["message"].(map[string]any)
		if !ok {
			return nil, true
		}
		content, ok := message["content"].([]any)
		if !ok {
			return nil, true
		}
		var events []models.CanonicalEvent
		for _, blockAny := range content {
			block, ok := blockAny.(map[string]any)
			if !ok {
				continue
			}
			if blockType, _ := block["type"].(string); blockType != "tool_result" {
				continue
			}
			callID, _ := block["tool_use_id"].(string)
			isError, _ := block["is_error"].(bool)
			output := extractResultText(block["content"])
			result := &models.ToolResultPayload{CallID: callID, OK: !isError}
			if isError {
				result.Error = output
			} else {
				result.Output = output
			}
			events = append(events, models.CanonicalEvent{Type: models.EventToolResult, ToolResult: result})
		}
		return events, true

	case "result":
		subtype, _ := raw["subtype"].(string)
		sessionID, _ := raw["session_id"].(string)
		var events []models.CanonicalEvent
		if sessionID != "" {
			events = append(events, models.CanonicalEvent{
				Type:        models.EventSessionInfo,
				SessionInfo: &models.SessionInfoPayload{NativeSessionID: sessionID},
			})
		}
		events = append(events, models.CanonicalEvent{
			Type:          models.EventAssistantText,
			AssistantText: &models.AssistantTextPayload{Text: "", Final: true},
		})
		if subtype == "error_max_turns" {
			events = append(events, models.CanonicalEvent{
				Type:  models.EventError,
				Error: &models.ErrorPayload{Kind: models.ErrKindInternal, Message: "max turns reached", Retryable: false},
			})
		}
		return events, true

	case "system", "message_start", "message_delta", "message_stop", "assistant":
		return nil, true
	}

	return nil, true
}

func extractResultText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		var parts []string
		for _, blockAny := range val {
			if block, ok := blockAny.(map[string]any); ok {
				if text, ok := block["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// writeIdempotentRulesFile writes content to path only if it differs from
// the file's current content, satisfying Adapter.Initialize's idempotence
// requirement without rewriting (and touching mtimes on) an unchanged file.
func writeIdempotentRulesFile(path, content string) error {
	existing, err := os.ReadFile(path)
	if err == nil && string(existing) == content {
		return nil
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
