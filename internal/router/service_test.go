package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/frame"
	"github.com/loqalabs/loqa-stream/internal/llm"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/stt"
	"github.com/loqalabs/loqa-stream/internal/toolcall"
	"github.com/loqalabs/loqa-stream/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// echoSynth "speaks" by returning the text it was given.
type echoSynth struct {
	fail error
}

func (e echoSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.SynthChunk, <-chan error) {
	chunks := make(chan tts.SynthChunk, 1)
	errs := make(chan error, 1)
	if e.fail != nil {
		errs <- e.fail
	} else {
		chunks <- tts.SynthChunk{SessionID: req.SessionID, Data: []byte("audio:" + req.Text), Final: true}
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

type failingRecognizer struct{}

func (failingRecognizer) Transcribe(context.Context, stt.Audio) (stt.TranscriptResult, error) {
	return stt.TranscriptResult{}, errors.New("model not loaded")
}

type fakeRecorder struct {
	mu       sync.Mutex
	audio    bool
	sessions []eventstore.Session
	events   []eventstore.Event
	status   map[string]string
}

func (f *fakeRecorder) StartSession(_ context.Context, sess eventstore.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sess)
	return nil
}

func (f *fakeRecorder) AppendEvent(_ context.Context, evt eventstore.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeRecorder) EndSession(_ context.Context, sessionID, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = make(map[string]string)
	}
	f.status[sessionID] = status
	return nil
}

func (f *fakeRecorder) RecordAudio() bool { return f.audio }

type published struct {
	subject string
	payload any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakePublisher) PublishJSON(subject string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject, v})
	return nil
}

func (f *fakePublisher) find(subject string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, m := range f.msgs {
		if m.subject == subject {
			out = append(out, m.payload)
		}
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Stream.Boundary = frame.DefaultBoundary
	cfg.Stream.SystemPrompt = ""
	return cfg
}

func newService(t *testing.T, cfg config.Config, b Backends) *Service {
	t.Helper()
	svc, err := NewService(cfg, b, newLogger())
	require.NoError(t, err)
	return svc
}

func decodeParts(t *testing.T, data []byte) []frame.Part {
	t.Helper()
	dec := frame.NewDecoder(frame.DefaultBoundary, newLogger())
	parts, err := dec.Decode(data)
	require.NoError(t, err)
	last, err := dec.Flush()
	require.NoError(t, err)
	require.True(t, last.Terminal())
	return parts
}

func split(parts []frame.Part) (text string, audio []string, json []frame.Part) {
	var b strings.Builder
	for _, p := range parts {
		switch {
		case p.IsText():
			b.WriteString(p.Text)
		case p.IsAudio():
			audio = append(audio, string(p.Body))
		case p.IsJSON():
			json = append(json, p)
		}
	}
	return b.String(), audio, json
}

func TestNewServiceRequiresGenerator(t *testing.T) {
	_, err := NewService(testConfig(), Backends{}, newLogger())
	assert.Error(t, err)
}

func TestHandleStreamsTextAndSpeech(t *testing.T) {
	gen := &llm.ScriptedGenerator{Events: []llm.Event{
		{Kind: llm.EventText, Text: "Hello there, this is a long first sentence. "},
		{Kind: llm.EventText, Text: "Bye"},
		{Kind: llm.EventDone},
	}}
	svc := newService(t, testConfig(), Backends{Generator: gen, Synthesizer: echoSynth{}})

	out := &sink{}
	err := svc.Handle(context.Background(), Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}}, out)
	require.NoError(t, err)
	assert.True(t, out.closed)

	text, audio, _ := split(decodeParts(t, out.Bytes()))
	assert.Equal(t, "Hello there, this is a long first sentence. Bye", text)
	assert.Equal(t, []string{"audio:Hello there, this is a long first sentence. ", "audio:Bye"}, audio)

	require.Len(t, gen.Requests, 1)
	assert.Equal(t, []llm.Message{{Role: "user", Content: "hi"}}, gen.Requests[0].Messages)
	assert.Len(t, gen.Requests[0].Tools, 3)
	assert.NotEmpty(t, gen.Requests[0].SessionID)
}

func TestHandleTranscribesUpload(t *testing.T) {
	gen := &llm.ScriptedGenerator{Events: []llm.Event{
		{Kind: llm.EventText, Text: "Okay."},
		{Kind: llm.EventDone},
	}}
	pub := &fakePublisher{}
	svc := newService(t, testConfig(), Backends{
		Recognizer: stt.NewMockRecognizer("turn the circle red"),
		Generator:  gen,
		Publisher:  pub,
	})

	out := &sink{}
	audio := &stt.Audio{Data: []byte("RIFF"), Filename: "speech.webm", ContentType: "audio/webm"}
	require.NoError(t, svc.Handle(context.Background(), Request{Audio: audio}, out))

	parts := decodeParts(t, out.Bytes())
	require.NotEmpty(t, parts)
	assert.True(t, parts[0].IsUserText())
	assert.Equal(t, "turn the circle red", parts[0].Text)
	text, audioParts, _ := split(parts)
	assert.Equal(t, "Okay.", text)
	assert.Empty(t, audioParts)

	msgs := gen.Requests[0].Messages
	assert.Equal(t, llm.Message{Role: "user", Content: "turn the circle red"}, msgs[len(msgs)-1])

	transcripts := pub.find(protocol.SubjectSessionTranscript)
	require.Len(t, transcripts, 1)
	assert.Equal(t, "turn the circle red", transcripts[0].(protocol.Transcript).Text)
}

func TestHandleToolCalls(t *testing.T) {
	gen := &llm.ScriptedGenerator{Events: []llm.Event{
		{Kind: llm.EventToolDelta, ToolCalls: []toolcall.Call{{
			Index: 0, ID: "call_1", Type: "function",
			Function: toolcall.FunctionCall{Name: "set_circle_style", Arguments: `{"style":`},
		}}},
		{Kind: llm.EventToolDelta, ToolCalls: []toolcall.Call{{
			Index: 0, Function: toolcall.FunctionCall{Arguments: `{"fill":"red"}}`},
		}}},
		{Kind: llm.EventToolsDone, FinishReason: "tool_calls"},
		{Kind: llm.EventDone},
	}}
	pub := &fakePublisher{}
	svc := newService(t, testConfig(), Backends{Generator: gen, Synthesizer: echoSynth{}, Publisher: pub})

	out := &sink{}
	require.NoError(t, svc.Handle(context.Background(), Request{}, out))

	_, audio, jsonParts := split(decodeParts(t, out.Bytes()))
	require.Len(t, jsonParts, 1)
	var calls []toolcall.Call
	require.NoError(t, jsonParts[0].DecodeJSON(&calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "set_circle_style", calls[0].Function.Name)
	assert.JSONEq(t, `{"style":{"fill":"red"}}`, calls[0].Function.Arguments)
	assert.Equal(t, []string{"audio:To answer your question I'm running the set_circle_style tool."}, audio)

	batches := pub.find(protocol.SubjectSessionToolCalls)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].(protocol.ToolCalls).Calls, 1)
}

func TestHandleFlushesUnfinishedToolCalls(t *testing.T) {
	gen := &llm.ScriptedGenerator{Events: []llm.Event{
		{Kind: llm.EventToolDelta, ToolCalls: []toolcall.Call{{Index: 1, Function: toolcall.FunctionCall{Name: "b", Arguments: "{}"}}}},
		{Kind: llm.EventToolDelta, ToolCalls: []toolcall.Call{{Index: 0, Function: toolcall.FunctionCall{Name: "a", Arguments: "{}"}}}},
		{Kind: llm.EventDone},
	}}
	svc := newService(t, testConfig(), Backends{Generator: gen})

	out := &sink{}
	require.NoError(t, svc.Handle(context.Background(), Request{}, out))
	_, _, jsonParts := split(decodeParts(t, out.Bytes()))
	require.Len(t, jsonParts, 1)
	var calls []toolcall.Call
	require.NoError(t, jsonParts[0].DecodeJSON(&calls))
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Function.Name)
	assert.Equal(t, "b", calls[1].Function.Name)
}

func TestTranscriptionFailureWritesNothing(t *testing.T) {
	gen := &llm.ScriptedGenerator{}
	rec := &fakeRecorder{}
	svc := newService(t, testConfig(), Backends{Recognizer: failingRecognizer{}, Generator: gen, Recorder: rec})

	out := &sink{}
	err := svc.Handle(context.Background(), Request{Audio: &stt.Audio{Data: []byte{1, 2}}}, out)
	require.ErrorIs(t, err, ErrTranscription)
	assert.Empty(t, out.Bytes())
	assert.True(t, out.closed)
	assert.Empty(t, gen.Requests)
	require.Len(t, rec.sessions, 1)
	assert.Equal(t, protocol.StatusFailed, rec.status[rec.sessions[0].ID])
}

func TestSpeechDisabledRejectsUpload(t *testing.T) {
	svc := newService(t, testConfig(), Backends{Generator: &llm.ScriptedGenerator{}})
	err := svc.Handle(context.Background(), Request{Audio: &stt.Audio{Data: []byte{1}}}, &sink{})
	assert.ErrorIs(t, err, ErrTranscription)
}

func TestSynthesisFailureIsSkipped(t *testing.T) {
	gen := &llm.ScriptedGenerator{Events: []llm.Event{
		{Kind: llm.EventText, Text: "This sentence is long enough to be spoken. "},
		{Kind: llm.EventText, Text: "And one more."},
		{Kind: llm.EventDone},
	}}
	pub := &fakePublisher{}
	svc := newService(t, testConfig(), Backends{
		Generator:   gen,
		Synthesizer: echoSynth{fail: errors.New("voice unavailable")},
		Publisher:   pub,
	})

	out := &sink{}
	require.NoError(t, svc.Handle(context.Background(), Request{}, out))
	text, audio, _ := split(decodeParts(t, out.Bytes()))
	assert.Equal(t, "This sentence is long enough to be spoken. And one more.", text)
	assert.Empty(t, audio)

	ended := pub.find(protocol.SubjectSessionEnded)
	require.Len(t, ended, 1)
	summary := ended[0].(protocol.SessionEnded)
	assert.Equal(t, protocol.StatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.SynthesisFailures)
}

func TestGenerationFailureLeavesStreamUnterminated(t *testing.T) {
	boom := errors.New("upstream reset")
	gen := &llm.ScriptedGenerator{
		Events: []llm.Event{{Kind: llm.EventText, Text: "partial"}},
		Err:    boom,
	}
	rec := &fakeRecorder{}
	svc := newService(t, testConfig(), Backends{Generator: gen, Recorder: rec})

	out := &sink{}
	err := svc.Handle(context.Background(), Request{}, out)
	require.ErrorIs(t, err, boom)
	assert.True(t, out.closed)
	assert.False(t, bytes.HasSuffix(out.Bytes(), []byte("\r\n"+frame.DefaultBoundary+"\r\n")))
	assert.Equal(t, protocol.StatusFailed, rec.status[rec.sessions[0].ID])
}

// blockingGenerator emits one text event and waits for cancellation.
type blockingGenerator struct {
	started chan struct{}
}

func (b *blockingGenerator) Generate(ctx context.Context, _ llm.Request, consumer func(llm.Event) error) error {
	if err := consumer(llm.Event{Kind: llm.EventText, Text: "thinking"}); err != nil {
		return err
	}
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestCancelEndsSession(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{})}
	rec := &fakeRecorder{}
	svc := newService(t, testConfig(), Backends{Generator: gen, Recorder: rec})

	ctx, cancel := context.WithCancel(context.Background())
	out := &sink{}
	errs := make(chan error, 1)
	go func() { errs <- svc.Handle(ctx, Request{RemoteAddr: "127.0.0.1:9"}, out) }()

	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not start")
	}
	active := svc.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "127.0.0.1:9", active[0].RemoteAddr)

	cancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after cancel")
	}
	assert.Empty(t, svc.Active())
	assert.True(t, out.closed)
	assert.Equal(t, protocol.StatusCancelled, rec.status[rec.sessions[0].ID])
}

func TestRecorderReceivesFramesInOrder(t *testing.T) {
	gen := &llm.ScriptedGenerator{Events: []llm.Event{
		{Kind: llm.EventText, Text: "one two"},
		{Kind: llm.EventText, Text: " three."},
		{Kind: llm.EventDone},
	}}
	rec := &fakeRecorder{audio: true}
	svc := newService(t, testConfig(), Backends{
		Recognizer:  stt.NewMockRecognizer("hello"),
		Generator:   gen,
		Synthesizer: echoSynth{},
		Recorder:    rec,
	})

	out := &sink{}
	require.NoError(t, svc.Handle(context.Background(), Request{Audio: &stt.Audio{Data: []byte{0}}}, out))

	require.Len(t, rec.events, 3)
	assert.Equal(t, frame.ContentTypeUserText, rec.events[0].ContentType)
	assert.Equal(t, "hello", string(rec.events[0].Payload))
	assert.Equal(t, frame.ContentTypeText, rec.events[1].ContentType)
	assert.Equal(t, "one two three.", string(rec.events[1].Payload))
	assert.Equal(t, frame.ContentTypeAudio, rec.events[2].ContentType)
	assert.Equal(t, "audio:one two three.", string(rec.events[2].Payload))
	for i, e := range rec.events {
		assert.Equal(t, i, e.Seq)
	}
	require.Len(t, rec.sessions, 1)
	assert.True(t, rec.sessions[0].HasAudio)
	assert.Equal(t, protocol.StatusCompleted, rec.status[rec.sessions[0].ID])
}

func TestSystemPromptIsPrepended(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.SystemPrompt = "Answer briefly."
	gen := &llm.ScriptedGenerator{Events: []llm.Event{{Kind: llm.EventDone}}}
	svc := newService(t, cfg, Backends{Generator: gen})

	require.NoError(t, svc.Handle(context.Background(), Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}}, &sink{}))
	msgs := gen.Requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.Message{Role: "system", Content: "Answer briefly."}, msgs[0])

	gen.Requests = nil
	withSystem := []llm.Message{{Role: "system", Content: "custom"}, {Role: "user", Content: "hi"}}
	require.NoError(t, svc.Handle(context.Background(), Request{Messages: withSystem}, &sink{}))
	assert.Equal(t, withSystem, gen.Requests[0].Messages)
}

// slowSink takes a while per write and counts writes that land after the
// owner marked it released.
type slowSink struct {
	delay    time.Duration
	released atomic.Bool
	late     atomic.Int32
}

func (s *slowSink) Write(p []byte) (int, error) {
	time.Sleep(s.delay)
	if s.released.Load() {
		s.late.Add(1)
	}
	return len(p), nil
}

func (s *slowSink) Close() error { return nil }

func TestHandleDoesNotWriteAfterReturn(t *testing.T) {
	events := make([]llm.Event, 0, 11)
	for range 10 {
		events = append(events, llm.Event{Kind: llm.EventText, Text: "several words in every single event. "})
	}
	events = append(events, llm.Event{Kind: llm.EventDone})
	cfg := testConfig()
	cfg.Stream.SessionTimeoutMS = 60
	svc := newService(t, cfg, Backends{Generator: &llm.ScriptedGenerator{Events: events}})

	out := &slowSink{delay: 20 * time.Millisecond}
	_ = svc.Handle(context.Background(), Request{}, out)
	out.released.Store(true)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, out.late.Load())
}
