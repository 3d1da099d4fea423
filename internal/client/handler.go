package client

import (
	"fmt"

	"github.com/loqalabs/loqa-stream/internal/frame"
	"github.com/loqalabs/loqa-stream/internal/toolcall"
)

// Handler routes decoded parts by content type. Nil callbacks are skipped.
type Handler struct {
	OnUserText  func(text string) error
	OnText      func(text string) error
	OnAudio     func(data []byte, contentType string) error
	OnToolCalls func(calls []toolcall.Call) error
	OnUnknown   func(p frame.Part) error
}

// Handle dispatches p to the matching callback.
func (h Handler) Handle(p frame.Part) error {
	switch {
	case p.IsUserText():
		if h.OnUserText != nil {
			return h.OnUserText(p.Text)
		}
	case p.IsText():
		if h.OnText != nil {
			return h.OnText(p.Text)
		}
	case p.IsAudio():
		if h.OnAudio != nil {
			return h.OnAudio(p.Body, p.ContentType)
		}
	case p.IsJSON():
		if h.OnToolCalls == nil {
			return nil
		}
		var calls []toolcall.Call
		if err := p.DecodeJSON(&calls); err != nil {
			return fmt.Errorf("decode tool calls: %w", err)
		}
		return h.OnToolCalls(calls)
	default:
		if h.OnUnknown != nil {
			return h.OnUnknown(p)
		}
	}
	return nil
}

// Chain returns a handler calling h then next for every part.
func (h Handler) Chain(next Handler) Handler {
	return Handler{
		OnUserText:  chain(h.OnUserText, next.OnUserText),
		OnText:      chain(h.OnText, next.OnText),
		OnAudio:     chain2(h.OnAudio, next.OnAudio),
		OnToolCalls: chain(h.OnToolCalls, next.OnToolCalls),
		OnUnknown:   chain(h.OnUnknown, next.OnUnknown),
	}
}

func chain[T any](a, b func(T) error) func(T) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) error {
		if err := a(v); err != nil {
			return err
		}
		return b(v)
	}
}

func chain2[T, U any](a, b func(T, U) error) func(T, U) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T, w U) error {
		if err := a(v, w); err != nil {
			return err
		}
		return b(v, w)
	}
}
