package llm

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-stream/internal/toolcall"
	"github.com/openai/openai-go"
)

type openaiGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator streams chat completions, including tool calls, from the
// OpenAI API or a compatible endpoint.
func NewOpenAIGenerator(client *openai.Client, model string) Generator {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &openaiGenerator{client: client, model: model}
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(Event) error) error {
	stream := g.client.Chat.Completions.NewStreaming(ctx, g.buildParams(req))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		ch := chunk.Choices[0]
		if ch.Delta.Content != "" {
			if err := consumer(Event{Kind: EventText, Text: ch.Delta.Content}); err != nil {
				return err
			}
		}
		if len(ch.Delta.ToolCalls) > 0 {
			calls := make([]toolcall.Call, 0, len(ch.Delta.ToolCalls))
			for _, tc := range ch.Delta.ToolCalls {
				calls = append(calls, toolcall.Call{
					Index: int(tc.Index),
					ID:    tc.ID,
					Type:  string(tc.Type),
					Function: toolcall.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			if err := consumer(Event{Kind: EventToolDelta, ToolCalls: calls}); err != nil {
				return err
			}
		}
		if ch.FinishReason == "tool_calls" {
			if err := consumer(Event{Kind: EventToolsDone, FinishReason: ch.FinishReason}); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai streaming error: %w", err)
	}
	return consumer(Event{Kind: EventDone})
}

func (g *openaiGenerator) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = g.model
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildMessages(req.Messages),
		Model:    openai.ChatModel(model),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

func buildMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   c.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Function.Name,
						Arguments: c.Function.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}})
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
