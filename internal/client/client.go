package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/frame"
	"github.com/loqalabs/loqa-stream/internal/llm"
	"github.com/loqalabs/loqa-stream/internal/stt"
	"github.com/loqalabs/loqa-stream/internal/toolcall"
)

const defaultMaxToolRounds = 4

// ErrToolRounds is returned by Chat when the model keeps calling tools after
// the configured number of rounds.
var ErrToolRounds = errors.New("too many tool rounds")

// StatusError is a non-streaming answer from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// ToolExecutor runs a tool call requested by the model and returns the
// result content sent back with the next request.
type ToolExecutor interface {
	Execute(ctx context.Context, call toolcall.Call) (string, error)
}

// ToolFunc adapts a function to ToolExecutor.
type ToolFunc func(ctx context.Context, call toolcall.Call) (string, error)

func (f ToolFunc) Execute(ctx context.Context, call toolcall.Call) (string, error) {
	return f(ctx, call)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBoundary sets the boundary expected when the response does not name one.
func WithBoundary(boundary string) Option {
	return func(c *Client) {
		if boundary != "" {
			c.boundary = boundary
		}
	}
}

func WithTools(exec ToolExecutor) Option {
	return func(c *Client) { c.tools = exec }
}

func WithMaxToolRounds(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRounds = n
		}
	}
}

// Client talks to the chat endpoint and consumes the part stream.
type Client struct {
	baseURL   string
	http      *http.Client
	boundary  string
	tools     ToolExecutor
	maxRounds int
	logger    *slog.Logger
}

func New(serverURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:   strings.TrimRight(serverURL, "/"),
		http:      http.DefaultClient,
		boundary:  frame.DefaultBoundary,
		maxRounds: defaultMaxToolRounds,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig builds a client from the client and stream settings.
func FromConfig(cfg config.Config, logger *slog.Logger, opts ...Option) *Client {
	base := []Option{
		WithBoundary(cfg.Stream.Boundary),
		WithMaxToolRounds(cfg.Client.MaxToolRounds),
	}
	if cfg.Client.TimeoutMS > 0 {
		base = append(base, WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Client.TimeoutMS) * time.Millisecond}))
	}
	return New(cfg.Client.ServerURL, logger, append(base, opts...)...)
}

// Send posts one request and delivers every decoded part to h in stream
// order. Parts are not delivered once ctx is cancelled.
func (c *Client) Send(ctx context.Context, messages []llm.Message, audio *stt.Audio, h Handler) error {
	body, contentType, err := encodeForm(messages, audio)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	boundary, err := c.responseBoundary(resp.Header.Get("Content-Type"))
	if err != nil {
		return err
	}

	r := NewReader(resp.Body, boundary, c.logger)
	for {
		p, err := r.Next()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := h.Handle(p); err != nil {
			return err
		}
	}
}

// Chat sends the user's turn, either typed text or a recording, and keeps
// the conversation in sync with the stream. Tool calls are executed and their
// results re-sent until the model answers without calling tools.
func (c *Client) Chat(ctx context.Context, conv *Conversation, text string, audio *stt.Audio, h Handler) error {
	if text != "" {
		conv.AddUser(text)
	}
	for round := 0; ; round++ {
		called := false
		track := Handler{
			OnUserText: func(t string) error {
				conv.AddUser(t)
				return nil
			},
			OnText: func(t string) error {
				conv.AppendAssistantText(t)
				return nil
			},
			OnToolCalls: func(calls []toolcall.Call) error {
				conv.AddToolResults(calls, c.execute(ctx, calls))
				called = true
				return nil
			},
		}
		if err := c.Send(ctx, conv.Messages(), audio, track.Chain(h)); err != nil {
			return err
		}
		audio = nil
		if !called || c.tools == nil {
			return nil
		}
		if round+1 >= c.maxRounds {
			return fmt.Errorf("%w: %d", ErrToolRounds, c.maxRounds)
		}
	}
}

func (c *Client) execute(ctx context.Context, calls []toolcall.Call) []string {
	results := make([]string, len(calls))
	for i, call := range calls {
		if c.tools == nil {
			results[i] = errorResult(errors.New("no tool executor configured"))
			continue
		}
		out, err := c.tools.Execute(ctx, call)
		if err != nil {
			c.logger.Warn("tool call failed",
				slog.String("tool", call.Function.Name),
				slog.String("call_id", call.ID),
				slog.String("error", err.Error()))
			out = errorResult(err)
		}
		results[i] = out
	}
	return results
}

func errorResult(err error) string {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(raw)
}

func (c *Client) responseBoundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("parse response content type %q: %w", contentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("unexpected response content type %q", mediaType)
	}
	if b := params["boundary"]; b != "" {
		return b, nil
	}
	return c.boundary, nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

func encodeForm(messages []llm.Message, audio *stt.Audio) (io.Reader, string, error) {
	if messages == nil {
		messages = []llm.Message{}
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, "", fmt.Errorf("encode messages: %w", err)
	}
	if err := mw.WriteField("messages", string(raw)); err != nil {
		return nil, "", err
	}
	if audio != nil {
		name := audio.Filename
		if name == "" {
			name = "recording.wav"
		}
		ct := audio.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
		header.Set("Content-Type", ct)
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(audio.Data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
