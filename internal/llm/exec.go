package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-stream/internal/toolcall"
	"github.com/mattn/go-shellwords"
)

type execGenerator struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// execLine is one JSON line written by the command.
type execLine struct {
	Content   string          `json:"content"`
	ToolCalls []toolcall.Call `json:"tool_calls,omitempty"`
}

// NewExecGenerator runs command once per request. The request is written to
// its stdin as JSON; it answers with JSON lines on stdout.
func NewExecGenerator(command string) (Generator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Event) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	input, err := json.Marshal(execRequest{
		Messages:    req.Messages,
		Tools:       req.Tools,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}

	sawTools := false
	consumeErr := func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var out execLine
			if err := json.Unmarshal(line, &out); err != nil {
				return fmt.Errorf("decode llm exec response: %w", err)
			}
			if out.Content != "" {
				if err := consumer(Event{Kind: EventText, Text: out.Content}); err != nil {
					return err
				}
			}
			if len(out.ToolCalls) > 0 {
				sawTools = true
				if err := consumer(Event{Kind: EventToolDelta, ToolCalls: out.ToolCalls}); err != nil {
					return err
				}
			}
		}
		return scanner.Err()
	}()
	if consumeErr != nil {
		cancel()
		_ = cmd.Wait()
		return consumeErr
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("llm exec command failed: %w: %s", err, stderr.String())
	}
	if sawTools {
		if err := consumer(Event{Kind: EventToolsDone, FinishReason: "tool_calls"}); err != nil {
			return err
		}
	}
	return consumer(Event{Kind: EventDone, FinishReason: "stop"})
}
