package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator echoes the last user message back word by word.
func NewMockGenerator() Generator { return &mockGenerator{delay: 5 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Event) error) error {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	content := "You said: " + prompt + ". "
	if prompt == "" {
		content = "I did not catch that. "
	}
	for _, word := range strings.SplitAfter(content, " ") {
		if word == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Event{Kind: EventText, Text: word}); err != nil {
			return err
		}
	}
	return consumer(Event{Kind: EventDone, FinishReason: "stop"})
}

// ScriptedGenerator replays a fixed sequence of events, for tests and demos.
type ScriptedGenerator struct {
	Events []Event
	// Err is returned after the events have been delivered.
	Err error
	// Requests records every request received.
	Requests []Request
}

func (s *ScriptedGenerator) Generate(ctx context.Context, req Request, consumer func(Event) error) error {
	s.Requests = append(s.Requests, req)
	for _, ev := range s.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := consumer(ev); err != nil {
			return err
		}
	}
	return s.Err
}
