package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cliorch/cliorchd/internal/orchestrator"
	"github.com/cliorch/cliorchd/pkg/models"
)

// envelope is the bidirectional frame shape from spec.md §6:
// { "type": <string>, "data": <object>, "request_id"?, "seq"? }
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Seq       *uint64         `json:"seq,omitempty"`
}

const (
	inboundSubmit           = "submit"
	inboundCancel           = "cancel"
	inboundSubscribeFromSeq = "subscribe_from_seq"
	literalPing             = "ping"
	literalPong             = "pong"

	closeCodeNormal         = 1000
	closeCodeSlowConsumer   = 4001
	closeCodeUnauthorized   = 4002
	closeCodeProjectUnknown = 4003
)

// submitSchema enforces the submit payload table from spec.md §6:
// instruction 1..64KiB, agent required, deadline_seconds 60..3600 if set.
const submitSchemaJSON = `{
	"type": "object",
	"required": ["instruction", "agent"],
	"properties": {
		"instruction": {"type": "string", "minLength": 1, "maxLength": 65536},
		"agent": {"type": "string", "enum": ["claude", "cursor", "codex", "gemini", "qwen"]},
		"model": {"type": "string"},
		"images": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["path"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"name": {"type": "string"}
				}
			}
		},
		"is_initial": {"type": "boolean"},
		"deadline_seconds": {"type": "integer", "minimum": 60, "maximum": 3600}
	}
}`

var submitSchema = mustCompileSchema("submit.json", submitSchemaJSON)

func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("hub: invalid embedded schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("hub: failed to compile schema %s: %v", name, err))
	}
	return schema
}

type imageRef struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

type submitPayload struct {
	Instruction     string           `json:"instruction"`
	Agent           models.AgentKind `json:"agent"`
	Model           string           `json:"model,omitempty"`
	Images          []imageRef       `json:"images,omitempty"`
	IsInitial       bool             `json:"is_initial,omitempty"`
	DeadlineSeconds int              `json:"deadline_seconds,omitempty"`
}

type cancelPayload struct {
	RequestID string `json:"request_id"`
}

type subscribeFromSeqPayload struct {
	Seq uint64 `json:"seq"`
}

// decodeSubmit validates raw against submitSchema, then unmarshals it into
// a submitPayload. Schema validation runs against the generic
// map[string]any shape jsonschema/v5 expects, separately from the typed
// decode, so a constraint violation (oversize instruction, unknown agent,
// out-of-range deadline) is reported before any domain code runs.
func decodeSubmit(raw json.RawMessage) (submitPayload, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return submitPayload{}, fmt.Errorf("invalid submit payload: %w", err)
	}
	if err := submitSchema.Validate(generic); err != nil {
		return submitPayload{}, fmt.Errorf("submit payload failed validation: %w", err)
	}
	var p submitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return submitPayload{}, fmt.Errorf("invalid submit payload: %w", err)
	}
	return p, nil
}

func decodeCancel(raw json.RawMessage) (cancelPayload, error) {
	var p cancelPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return cancelPayload{}, fmt.Errorf("invalid cancel payload: %w", err)
	}
	if strings.TrimSpace(p.RequestID) == "" {
		return cancelPayload{}, fmt.Errorf("cancel payload requires request_id")
	}
	return p, nil
}

func decodeSubscribeFromSeq(raw json.RawMessage) (subscribeFromSeqPayload, error) {
	var p subscribeFromSeqPayload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return subscribeFromSeqPayload{}, fmt.Errorf("invalid subscribe_from_seq payload: %w", err)
	}
	return p, nil
}

// toSubmitRequest converts a validated wire payload into the orchestrator's
// submit request, checking that every image path stays inside the
// project's workspace per spec.md §6's submit payload constraint.
func toSubmitRequest(p submitPayload, workspacePath string) (orchestrator.SubmitRequest, error) {
	paths := make([]string, 0, len(p.Images))
	for _, img := range p.Images {
		if !strings.HasPrefix(img.Path, workspacePath) {
			return orchestrator.SubmitRequest{}, fmt.Errorf("image path %q is outside the project workspace", img.Path)
		}
		paths = append(paths, img.Path)
	}
	return orchestrator.SubmitRequest{
		Instruction:     p.Instruction,
		ImagePaths:      paths,
		Agent:           p.Agent,
		Model:           models.ModelId(p.Model),
		IsInitial:       p.IsInitial,
		DeadlineSeconds: p.DeadlineSeconds,
	}, nil
}

// eventEnvelope frames a canonical event for the outbound wire, per spec.md
// §6: outbound types mirror CanonicalEvent variants.
func eventEnvelope(evt models.CanonicalEvent) envelope {
	data, _ := json.Marshal(evt)
	seq := evt.Seq
	return envelope{
		Type:      string(evt.Type),
		Data:      data,
		RequestID: evt.RequestID,
		Seq:       &seq,
	}
}
