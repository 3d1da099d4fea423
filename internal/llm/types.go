package llm

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/toolcall"
)

// Message is one role-tagged chat message as exchanged with clients.
type Message struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  []toolcall.Call `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// UnmarshalJSON accepts null content and stores non-string content (tool
// results) as its JSON text.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCalls  []toolcall.Call `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.ToolCalls = raw.ToolCalls
	m.ToolCallID = raw.ToolCallID
	m.Content = ""
	content := bytes.TrimSpace(raw.Content)
	switch {
	case len(content) == 0 || bytes.Equal(content, []byte("null")):
	case content[0] == '"':
		return json.Unmarshal(content, &m.Content)
	default:
		m.Content = string(content)
	}
	return nil
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolsFromConfig converts configured tool declarations.
func ToolsFromConfig(cfgs []config.ToolConfig) []Tool {
	tools := make([]Tool, 0, len(cfgs))
	for _, c := range cfgs {
		tools = append(tools, Tool{Name: c.Name, Description: c.Description, Parameters: c.Parameters})
	}
	return tools
}

// Request describes one chat completion.
type Request struct {
	SessionID   string
	Messages    []Message
	Tools       []Tool
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// EventKind distinguishes streamed model output.
type EventKind int

const (
	// EventText carries a fragment of assistant text.
	EventText EventKind = iota
	// EventToolDelta carries a batch of tool call fragments.
	EventToolDelta
	// EventToolsDone marks the end of the tool call fragments of a turn.
	EventToolsDone
	// EventDone ends the turn.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventToolDelta:
		return "tool_delta"
	case EventToolsDone:
		return "tools_done"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one item of streamed model output.
type Event struct {
	Kind         EventKind
	Text         string
	ToolCalls    []toolcall.Call
	FinishReason string
}

// Generator defines a pluggable LLM backend. Generate calls consumer for each
// event in order; a consumer error stops generation and is returned.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Event) error) error
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, tools []config.ToolConfig) Request {
	return Request{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Tools:       ToolsFromConfig(tools),
	}
}
