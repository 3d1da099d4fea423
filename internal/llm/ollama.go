package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loqalabs/loqa-stream/internal/toolcall"
)

type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaGenerator(endpoint, model string) Generator {
	return &ollamaGenerator{endpoint: endpoint, model: model, client: http.DefaultClient}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Event) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	payload := ollamaRequest{
		Model:  model,
		Stream: true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, c := range m.ToolCalls {
			var tc ollamaToolCall
			tc.Function.Name = c.Function.Name
			tc.Function.Arguments = json.RawMessage(orEmptyObject(c.Function.Arguments))
			om.ToolCalls = append(om.ToolCalls, tc)
		}
		payload.Messages = append(payload.Messages, om)
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, ollamaTool{Type: "function", Function: t})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var index int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Message.Content != "" {
			if err := consumer(Event{Kind: EventText, Text: chunk.Message.Content}); err != nil {
				return err
			}
		}
		if len(chunk.Message.ToolCalls) > 0 {
			// Ollama sends whole calls, each becomes a single fragment.
			calls := make([]toolcall.Call, 0, len(chunk.Message.ToolCalls))
			for _, tc := range chunk.Message.ToolCalls {
				calls = append(calls, toolcall.Call{
					Index: index,
					ID:    fmt.Sprintf("call_%d", index),
					Type:  "function",
					Function: toolcall.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: string(tc.Function.Arguments),
					},
				})
				index++
			}
			if err := consumer(Event{Kind: EventToolDelta, ToolCalls: calls}); err != nil {
				return err
			}
		}
		if chunk.Done {
			if index > 0 {
				if err := consumer(Event{Kind: EventToolsDone, FinishReason: "tool_calls"}); err != nil {
					return err
				}
			}
			return consumer(Event{Kind: EventDone, FinishReason: chunk.DoneReason})
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return consumer(Event{Kind: EventDone})
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
