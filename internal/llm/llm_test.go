package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/toolcall"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, g Generator, req Request) []Event {
	t.Helper()
	var events []Event
	err := g.Generate(context.Background(), req, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events
}

func textOf(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == EventText {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestMessageUnmarshal(t *testing.T) {
	var msgs []Message
	data := `[
		{"role":"user","content":"hi"},
		{"role":"assistant","content":null,"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]},
		{"role":"tool","content":{"ok":true},"tool_call_id":"call_1"}
	]`
	require.NoError(t, json.Unmarshal([]byte(data), &msgs))
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Empty(t, msgs[1].Content)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "f", msgs[1].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"ok":true}`, msgs[2].Content)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	req := OptionsFromConfig(cfg.LLM, cfg.Tools)
	assert.Equal(t, cfg.LLM.Model, req.Model)
	require.Len(t, req.Tools, 3)
	assert.Equal(t, "set_square_style", req.Tools[1].Name)
}

func TestMockGeneratorEchoes(t *testing.T) {
	events := collect(t, NewMockGenerator(), Request{Messages: []Message{{Role: "user", Content: "turn on the lights"}}})
	assert.Equal(t, "You said: turn on the lights. ", textOf(events))
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
}

func TestOllamaGeneratorStreamsChat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello "},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"there."},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"set_circle_style","arguments":{"style":{"fill":"red"}}}}]},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL, "llama3.2")
	events := collect(t, g, Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools:    []Tool{{Name: "set_circle_style"}},
	})

	assert.Equal(t, "llama3.2", got.Model)
	assert.True(t, got.Stream)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "Hello there.", textOf(events))

	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventText, EventText, EventToolDelta, EventToolsDone, EventDone}, kinds)
	call := events[2].ToolCalls[0]
	assert.Equal(t, "set_circle_style", call.Function.Name)
	assert.JSONEq(t, `{"style":{"fill":"red"}}`, call.Function.Arguments)
}

func TestOllamaGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no model", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewOllamaGenerator(srv.URL, "x").Generate(context.Background(), Request{}, func(Event) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestExecGenerator(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "llm.sh")
	content := `#!/bin/sh
cat > /dev/null
printf '%s\n' '{"content":"Hi. "}'
printf '%s\n' '{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"f","arguments":"{\"a\":"}}]}'
printf '%s\n' '{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}'
`
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))

	g, err := NewExecGenerator(script)
	require.NoError(t, err)
	events := collect(t, g, Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	assert.Equal(t, "Hi. ", textOf(events))

	agg := toolcall.NewAggregator()
	var done bool
	for _, ev := range events {
		switch ev.Kind {
		case EventToolDelta:
			agg.Merge(ev.ToolCalls)
		case EventToolsDone:
			done = true
		}
	}
	require.True(t, done)
	calls := agg.Finalize()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"a":1}`, calls[0].Function.Arguments)
}

func TestExecGeneratorEmptyCommand(t *testing.T) {
	_, err := NewExecGenerator("  ")
	assert.Error(t, err)
}

func sse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func chunkJSON(delta string, finish string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":%s,"finish_reason":%s}]}`, delta, fr)
}

func TestOpenAIGeneratorStreamsTextAndTools(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		sse(w,
			chunkJSON(`{"role":"assistant","content":"Sure. "}`, ""),
			chunkJSON(`{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"f","arguments":"{\"a\":"}}]}`, ""),
			chunkJSON(`{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}`, ""),
			chunkJSON(`{}`, "tool_calls"),
		)
	}))
	defer srv.Close()

	client := openai.NewClient(
		option.WithAPIKey("test"),
		option.WithBaseURL(srv.URL+"/v1/"),
		option.WithMaxRetries(0),
	)
	g := NewOpenAIGenerator(&client, "gpt-4o-mini")
	events := collect(t, g, Request{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
		Tools: []Tool{{Name: "f", Description: "does f", Parameters: map[string]any{"type": "object"}}},
	})

	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.Len(t, body["tools"], 1)
	assert.Len(t, body["messages"], 2)

	assert.Equal(t, "Sure. ", textOf(events))
	agg := toolcall.NewAggregator()
	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == EventToolDelta {
			agg.Merge(ev.ToolCalls)
		}
	}
	assert.Equal(t, []EventKind{EventText, EventToolDelta, EventToolDelta, EventToolsDone, EventDone}, kinds)
	calls := agg.Finalize()
	require.Len(t, calls, 1)
	assert.Equal(t, toolcall.Call{Index: 0, ID: "call_1", Type: "function", Function: toolcall.FunctionCall{Name: "f", Arguments: `{"a":1}`}}, calls[0])
}

func TestBuildMessagesWithToolResults(t *testing.T) {
	msgs := buildMessages([]Message{
		{Role: "user", Content: "make it red"},
		{Role: "assistant", ToolCalls: []toolcall.Call{{ID: "call_1", Function: toolcall.FunctionCall{Name: "f", Arguments: "{}"}}}},
		{Role: "tool", Content: `{"ok":true}`, ToolCallID: "call_1"},
	})
	require.Len(t, msgs, 3)
	require.NotNil(t, msgs[1].OfAssistant)
	require.Len(t, msgs[1].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[1].OfAssistant.ToolCalls[0].ID)
	require.NotNil(t, msgs[2].OfTool)
	assert.Equal(t, "call_1", msgs[2].OfTool.ToolCallID)
}
