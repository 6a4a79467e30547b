package adapter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/cliorch/cliorchd/pkg/models"
)

// ndjsonSchema describes one CLI's native NDJSON event vocabulary. The
// mapping rules are identical in shape across cursor/codex/gemini/qwen and
// differ only in field names and sentinel values, so one driver is
// parameterized per agent rather than hand-duplicated four times.
type ndjsonSchema struct {
	// TypeField is the JSON key carrying the event discriminator.
	TypeField string

	// TextDeltaType / TextDoneType identify streaming-chunk vs
	// end-of-turn-sentinel events; TextField holds the chunk text.
	TextDeltaType string
	TextDoneType  string
	TextField     string

	// ToolCallType / ToolResultType identify tool invocation/result events.
	ToolCallType    string
	ToolResultType  string
	ToolCallIDField string
	ToolNameField   string
	ToolArgsField   string
	ToolOKField     string
	ToolOutputField string
	ToolErrorField  string

	// SessionType identifies the "session established/resumed" event;
	// SessionIDField holds the native session id.
	SessionType    string
	SessionIDField string

	// ErrorType identifies a native error event; ErrorMessageField and
	// ErrorRetryableField hold its content.
	ErrorType           string
	ErrorMessageField   string
	ErrorRetryableField string
}

// genericAdapter drives a CLI whose native protocol is one JSON object per
// line, described by an ndjsonSchema.
type genericAdapter struct {
	kind       models.AgentKind
	binary     string
	buildArgs  func(req RunRequest, nativeModel string) []string
	probeArgs  []string
	rulesFile  string // filename written by Initialize, relative to workspace
	modelTable map[string]string
	schema     ndjsonSchema
	probeCache *availabilityCache
}

func (a *genericAdapter) Kind() models.AgentKind { return a.kind }

func (a *genericAdapter) Available(ctx context.Context) Availability {
	return a.probeCache.get(ctx, a.binary, a.probeArgs)
}

func (a *genericAdapter) Initialize(ctx context.Context, workspace, systemPrompt string) error {
	return writeIdempotentRulesFile(filepath.Join(workspace, a.rulesFile), systemPrompt)
}

func (a *genericAdapter) Run(ctx context.Context, req RunRequest, cancelGrace time.Duration) (<-chan models.CanonicalEvent, error) {
	native, fellBack := ResolveModel(a.modelTable, req.Model, "")
	args := a.buildArgs(req, native)

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

	parser := &ndjsonLineParser{schema: a.schema}
	out := driveProcess(ctx, rp, parser, a.kind, req.RequestID, cancelGrace)

	if fellBack {
		return prependEvent(out, models.CanonicalEvent{
			Type:  models.EventError,
			Agent: a.kind,
			Error: &models.ErrorPayload{Kind: models.ErrKindModelFallback, Message: "unknown model " + string(req.Model) + ", using adapter default", Retryable: false},
		}), nil
	}
	return out, nil
}

// ndjsonLineParser parses lines per a fixed ndjsonSchema.
type ndjsonLineParser struct {
	schema ndjsonSchema
}

func (p *ndjsonLineParser) parseLine(line string) ([]models.CanonicalEvent, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, false
	}
	s := p.schema
	eventType, _ := raw[s.TypeField].(string)

	switch eventType {
	case s.TextDeltaType:
		text, _ := raw[s.TextField].(string)
		return []models.CanonicalEvent{{
			Type:          models.EventAssistantText,
			AssistantText: &models.AssistantTextPayload{Text: text, Final: false},
		}}, true

	case s.TextDoneType:
		text, _ := raw[s.TextField].(string)
		return []models.CanonicalEvent{{
			Type:          models.EventAssistantText,
			AssistantText: &models.AssistantTextPayload{Text: text, Final: true},
		}}, true

	case s.ToolCallType:
		callID, _ := raw[s.ToolCallIDField].(string)
		tool, _ := raw[s.ToolNameField].(string)
		var argsJSON json.RawMessage
		if v, ok := raw[s.ToolArgsField]; ok {
			argsJSON, _ = json.Marshal(v)
		}
		return []models.CanonicalEvent{{
			Type:     models.EventToolCall,
			ToolCall: &models.ToolCallPayload{CallID: callID, Tool: tool, Arguments: argsJSON},
		}}, true

	case s.ToolResultType:
		callID, _ := raw[s.ToolCallIDField].(string)
		ok, _ := raw[s.ToolOKField].(bool)
		result := &models.ToolResultPayload{CallID: callID, OK: ok}
		if ok {
			result.Output, _ = raw[s.ToolOutputField].(string)
		} else {
			result.Error, _ = raw[s.ToolErrorField].(string)
		}
		return []models.CanonicalEvent{{Type: models.EventToolResult, ToolResult: result}}, true

	case s.SessionType:
		sessionID, _ := raw[s.SessionIDField].(string)
		if sessionID == "" {
			return nil, true
		}
		return []models.CanonicalEvent{{
			Type:        models.EventSessionInfo,
			SessionInfo: &models.SessionInfoPayload{NativeSessionID: sessionID},
		}}, true

	case s.ErrorType:
		message, _ := raw[s.ErrorMessageField].(string)
		retryable, _ := raw[s.ErrorRetryableField].(bool)
		return []models.CanonicalEvent{{
			Type:  models.EventError,
			Error: &models.ErrorPayload{Kind: classifyNativeError(message), Message: message, Retryable: retryable},
		}}, true
	}

	// Unrecognized but well-formed JSON line: treat as a known-but-ignored
	// envelope type rather than garbage (the CLI's own house-keeping
	// events), matching the teacher reference adapter's silent-ignore list.
	return nil, true
}

// classifyNativeError maps free-text error content to the closed ErrorKind
// taxonomy when the CLI doesn't supply a structured kind of its own.
func classifyNativeError(message string) models.ErrorKind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return models.ErrKindRateLimited
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "login") || strings.Contains(lower, "authentication"):
		return models.ErrKindAuthMissing
	case strings.Contains(lower, "session") && (strings.Contains(lower, "expired") || strings.Contains(lower, "stale") || strings.Contains(lower, "invalid")):
		return models.ErrKindSessionStale
	default:
		return models.ErrKindInternal
	}
}

// NewCursorAdapter builds the adapter for models.AgentCursor.
func NewCursorAdapter(binary string, modelTable map[string]string) Adapter {
	if binary == "" {
		binary = "cursor-agent"
	}
	return &genericAdapter{
		kind:      models.AgentCursor,
		binary:    binary,
		probeArgs: []string{"--version"},
		rulesFile: ".cursor/rules/cliorchd.md",
		buildArgs: func(req RunRequest, native string) []string {
			args := []string{"--print", "--output-format", "stream-json"}
			if native != "" {
				args = append(args, "--model", native)
			}
			if req.PriorSessionID != "" {
				args = append(args, "--resume", req.PriorSessionID)
			}
			return append(args, req.Instruction)
		},
		modelTable: modelTable,
		probeCache: newAvailabilityCache(60 * time.Second),
		schema: ndjsonSchema{
			TypeField:           "type",
			TextDeltaType:       "text_delta",
			TextDoneType:        "text_done",
			TextField:           "text",
			ToolCallType:        "tool_call",
			ToolResultType:      "tool_result",
			ToolCallIDField:     "id",
			ToolNameField:       "tool",
			ToolArgsField:       "args",
			ToolOKField:         "ok",
			ToolOutputField:     "output",
			ToolErrorField:      "error",
			SessionType:         "session",
			SessionIDField:      "session_id",
			ErrorType:           "error",
			ErrorMessageField:   "message",
			ErrorRetryableField: "retryable",
		},
	}
}

// NewCodexAdapter builds the adapter for models.AgentCodex.
func NewCodexAdapter(binary string, modelTable map[string]string) Adapter {
	if binary == "" {
		binary = "codex"
	}
	return &genericAdapter{
		kind:      models.AgentCodex,
		binary:    binary,
		probeArgs: []string{"--version"},
		rulesFile: "AGENTS.md",
		buildArgs: func(req RunRequest, native string) []string {
			args := []string{"exec", "--json", "--full-auto"}
			if native != "" {
				args = append(args, "--model", native)
			}
			if req.PriorSessionID != "" {
				args = append(args, "--resume", req.PriorSessionID)
			}
			return append(args, req.Instruction)
		},
		modelTable: modelTable,
		probeCache: newAvailabilityCache(60 * time.Second),
		schema: ndjsonSchema{
			TypeField:           "msg_type",
			TextDeltaType:       "agent_message_delta",
			TextDoneType:        "agent_message",
			TextField:           "message",
			ToolCallType:        "function_call",
			ToolResultType:      "function_call_output",
			ToolCallIDField:     "call_id",
			ToolNameField:       "name",
			ToolArgsField:       "arguments",
			ToolOKField:         "success",
			ToolOutputField:     "output",
			ToolErrorField:      "output",
			SessionType:         "session_configured",
			SessionIDField:      "session_id",
			ErrorType:           "error",
			ErrorMessageField:   "message",
			ErrorRetryableField: "retryable",
		},
	}
}

// NewGeminiAdapter builds the adapter for models.AgentGemini.
func NewGeminiAdapter(binary string, modelTable map[string]string) Adapter {
	if binary == "" {
		binary = "gemini"
	}
	return &genericAdapter{
		kind:      models.AgentGemini,
		binary:    binary,
		probeArgs: []string{"--version"},
		rulesFile: "GEMINI.md",
		buildArgs: func(req RunRequest, native string) []string {
			args := []string{"--output-format", "json", "--yolo"}
			if native != "" {
				args = append(args, "--model", native)
			}
			if req.PriorSessionID != "" {
				args = append(args, "--checkpoint", req.PriorSessionID)
			}
			args = append(args, "--prompt", req.Instruction)
			return args
		},
		modelTable: modelTable,
		probeCache: newAvailabilityCache(60 * time.Second),
		schema: ndjsonSchema{
			TypeField:           "type",
			TextDeltaType:       "content",
			TextDoneType:        "turn_complete",
			TextField:           "text",
			ToolCallType:        "tool_code",
			ToolResultType:      "tool_output",
			ToolCallIDField:     "id",
			ToolNameField:       "tool_name",
			ToolArgsField:       "tool_input",
			ToolOKField:         "ok",
			ToolOutputField:     "output",
			ToolErrorField:      "error",
			SessionType:         "checkpoint",
			SessionIDField:      "checkpoint_id",
			ErrorType:           "error",
			ErrorMessageField:   "message",
			ErrorRetryableField: "retryable",
		},
	}
}

// NewQwenAdapter builds the adapter for models.AgentQwen.
func NewQwenAdapter(binary string, modelTable map[string]string) Adapter {
	if binary == "" {
		binary = "qwen"
	}
	return &genericAdapter{
		kind:      models.AgentQwen,
		binary:    binary,
		probeArgs: []string{"--version"},
		rulesFile: "QWEN.md",
		buildArgs: func(req RunRequest, native string) []string {
			args := []string{"--output-format", "json", "--yolo"}
			if native != "" {
				args = append(args, "--model", native)
			}
			if req.PriorSessionID != "" {
				args = append(args, "--checkpoint", req.PriorSessionID)
			}
			args = append(args, "--prompt", req.Instruction)
			return args
		},
		modelTable: modelTable,
		probeCache: newAvailabilityCache(60 * time.Second),
		schema: ndjsonSchema{
			TypeField:           "type",
			TextDeltaType:       "content",
			TextDoneType:        "turn_complete",
			TextField:           "text",
			ToolCallType:        "tool_code",
			ToolResultType:      "tool_output",
			ToolCallIDField:     "id",
			ToolNameField:       "tool_name",
			ToolArgsField:       "tool_input",
			ToolOKField:         "ok",
			ToolOutputField:     "output",
			ToolErrorField:      "error",
			SessionType:         "checkpoint",
			SessionIDField:      "checkpoint_id",
			ErrorType:           "error",
			ErrorMessageField:   "message",
			ErrorRetryableField: "retryable",
		},
	}
}
