package client

import (
	"sync"

	"github.com/loqalabs/loqa-stream/internal/llm"
	"github.com/loqalabs/loqa-stream/internal/toolcall"
)

// Conversation is the message history sent with every request.
type Conversation struct {
	mu       sync.Mutex
	messages []llm.Message
}

func NewConversation(messages ...llm.Message) *Conversation {
	return &Conversation{messages: append([]llm.Message(nil), messages...)}
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.messages...)
}

func (c *Conversation) AddUser(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, llm.Message{Role: "user", Content: text})
}

// AppendAssistantText extends the last assistant message, or starts one.
func (c *Conversation) AppendAssistantText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.messages); n > 0 {
		last := &c.messages[n-1]
		if last.Role == "assistant" && len(last.ToolCalls) == 0 {
			last.Content += text
			return
		}
	}
	c.messages = append(c.messages, llm.Message{Role: "assistant", Content: text})
}

// AddToolResults records a batch of calls and one result per call, in order.
func (c *Conversation) AddToolResults(calls []toolcall.Call, results []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, llm.Message{
		Role:      "assistant",
		ToolCalls: append([]toolcall.Call(nil), calls...),
	})
	for i, call := range calls {
		c.messages = append(c.messages, llm.Message{
			Role:       "tool",
			Content:    results[i],
			ToolCallID: call.ID,
		})
	}
}
