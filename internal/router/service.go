package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/frame"
	"github.com/loqalabs/loqa-stream/internal/llm"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/stt"
	"github.com/loqalabs/loqa-stream/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrTranscription is returned when an uploaded recording cannot be turned
// into text. Nothing has been written to the stream when it is returned.
var ErrTranscription = errors.New("transcription failed")

// Recorder keeps a timeline of every session. *eventstore.Store implements it.
type Recorder interface {
	StartSession(ctx context.Context, sess eventstore.Session) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	EndSession(ctx context.Context, sessionID, status, errMsg string) error
	RecordAudio() bool
}

// Publisher announces session events. *bus.Client implements it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Backends are the external collaborators of a session. Recognizer and
// Synthesizer may be nil when speech is disabled; Recorder and Publisher are
// optional.
type Backends struct {
	Recognizer  stt.Recognizer
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Recorder    Recorder
	Publisher   Publisher
}

// Request is one inbound chat turn.
type Request struct {
	Messages   []llm.Message
	Audio      *stt.Audio
	RemoteAddr string
}

// Service turns chat requests into multipart response streams.
type Service struct {
	stream   config.StreamConfig
	defaults llm.Request
	voice    string
	backends Backends
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	active   *registry
}

func NewService(cfg config.Config, backends Backends, logger *slog.Logger) (*Service, error) {
	if backends.Generator == nil {
		return nil, errors.New("router requires a language model backend")
	}
	s := &Service{
		stream:   cfg.Stream,
		defaults: llm.OptionsFromConfig(cfg.LLM, cfg.Tools),
		voice:    cfg.TTS.Voice,
		backends: backends,
		logger:   logger.With(slog.String("component", "router")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-stream/router"),
		active:   newRegistry(),
	}
	s.metrics = newMetrics(otel.Meter("github.com/loqalabs/loqa-stream/router"), s.active, s.logger)
	return s, nil
}

// Active lists the sessions currently streaming.
func (s *Service) Active() []SessionInfo {
	return s.active.list()
}

// Handle runs one session and writes its stream to w. w is closed when the
// stream ends, cleanly or not. An error is returned when the session did not
// complete; if it wraps ErrTranscription nothing was written to w.
func (s *Service) Handle(ctx context.Context, req Request, w io.WriteCloser) (err error) {
	sessionID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "chat.session", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("session.messages", len(req.Messages)),
		attribute.Bool("session.audio", req.Audio != nil),
	))
	defer span.End()

	if s.stream.SessionTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.stream.SessionTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	sess := newSession(sessionID, req, s.recordAudio())
	if sc := span.SpanContext(); sc.HasTraceID() {
		sess.traceID = sc.TraceID().String()
	}
	log := s.logger.With(slog.String("session_id", sessionID))

	s.active.add(sess)
	defer s.active.remove(sessionID)
	s.begin(ctx, sess, log)
	defer func() {
		s.finish(ctx, sess, err, log)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	messages := s.withSystemPrompt(req.Messages)
	var transcript string
	if req.Audio != nil {
		transcript, err = s.transcribe(ctx, sess, *req.Audio)
		if err != nil {
			_ = w.Close()
			return err
		}
		messages = append(messages, llm.Message{Role: "user", Content: transcript})
	}

	encCtx, abort := context.WithCancel(ctx)
	defer abort()
	enc := frame.NewEncoder(encCtx, w, log,
		frame.WithBoundary(s.stream.Boundary),
		frame.WithWordsPerChunk(s.stream.WordsPerChunk),
		frame.WithMaxInflight(s.stream.MaxInflightSynthesis),
		frame.WithObserver(sess.observe),
	)
	if transcript != "" {
		enc.Emit(frame.Event{ContentType: frame.ContentTypeUserText, Text: transcript})
	}

	p := newPipeline(encCtx, s, sess, enc, log)
	genReq := s.defaults
	genReq.SessionID = sessionID
	genReq.TraceID = sess.traceID
	genReq.Messages = messages

	if err := s.backends.Generator.Generate(ctx, genReq, p.handle); err != nil {
		abort()
		<-enc.Done()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("session: %w", ctxErr)
		}
		if encErr := enc.Err(); encErr != nil && !errors.Is(encErr, context.Canceled) {
			return fmt.Errorf("stream: %w", encErr)
		}
		return fmt.Errorf("generate: %w", err)
	}
	if err := p.finish(); err != nil {
		abort()
		<-enc.Done()
		return err
	}
	if err := enc.Close().Wait(ctx); err != nil {
		abort()
		<-enc.Done()
		return fmt.Errorf("stream: %w", err)
	}
	// w belongs to the caller once Handle returns.
	<-enc.Done()
	return nil
}

func (s *Service) withSystemPrompt(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+2)
	prompt := strings.TrimSpace(s.stream.SystemPrompt)
	if prompt != "" && (len(msgs) == 0 || msgs[0].Role != "system") {
		out = append(out, llm.Message{Role: "system", Content: prompt})
	}
	return append(out, msgs...)
}

func (s *Service) transcribe(ctx context.Context, sess *session, audio stt.Audio) (string, error) {
	if s.backends.Recognizer == nil {
		return "", fmt.Errorf("%w: speech recognition disabled", ErrTranscription)
	}
	ctx, span := s.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.Int("audio.bytes", len(audio.Data)),
		attribute.String("audio.content_type", audio.ContentType),
	))
	defer span.End()

	res, err := s.backends.Recognizer.Transcribe(ctx, audio)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscription, err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", fmt.Errorf("%w: no speech recognized", ErrTranscription)
	}
	s.publish(protocol.SubjectSessionTranscript, protocol.Transcript{
		SessionID:  sess.id,
		Text:       text,
		Confidence: res.Confidence,
		Timestamp:  time.Now().UTC(),
	})
	return text, nil
}

func (s *Service) recordAudio() bool {
	return s.backends.Recorder != nil && s.backends.Recorder.RecordAudio()
}

func (s *Service) begin(ctx context.Context, sess *session, log *slog.Logger) {
	log.Info("session started",
		slog.Int("messages", sess.messages),
		slog.Bool("audio", sess.hasAudio),
		slog.String("remote_addr", sess.remote))
	if rec := s.backends.Recorder; rec != nil {
		err := rec.StartSession(ctx, eventstore.Session{
			ID:           sess.id,
			TraceID:      sess.traceID,
			RemoteAddr:   sess.remote,
			MessageCount: sess.messages,
			HasAudio:     sess.hasAudio,
			CreatedAt:    sess.started.UTC(),
		})
		if err != nil {
			log.Warn("failed to record session start", slogError(err))
		}
	}
	s.publish(protocol.SubjectSessionStarted, protocol.SessionStarted{
		SessionID:    sess.id,
		TraceID:      sess.traceID,
		MessageCount: sess.messages,
		HasAudio:     sess.hasAudio,
		Timestamp:    sess.started.UTC(),
	})
}

func (s *Service) finish(ctx context.Context, sess *session, err error, log *slog.Logger) {
	status := protocol.StatusCompleted
	var errMsg string
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = protocol.StatusCancelled
		errMsg = err.Error()
	default:
		status = protocol.StatusFailed
		errMsg = err.Error()
	}

	// Recording outlives a client that hung up.
	ctx = context.WithoutCancel(ctx)
	snap := sess.snapshot()
	duration := time.Since(sess.started)

	if rec := s.backends.Recorder; rec != nil {
		for _, part := range snap.parts {
			if err := rec.AppendEvent(ctx, part); err != nil {
				log.Warn("failed to record part", slogError(err))
				break
			}
		}
		if err := rec.EndSession(ctx, sess.id, status, errMsg); err != nil {
			log.Warn("failed to record session end", slogError(err))
		}
	}
	s.publish(protocol.SubjectSessionEnded, protocol.SessionEnded{
		SessionID:         sess.id,
		Status:            status,
		Error:             errMsg,
		AssistantText:     snap.assistantText,
		Frames:            snap.frames,
		SynthesisFailures: snap.synthFailures,
		DurationMS:        duration.Milliseconds(),
		Timestamp:         time.Now().UTC(),
	})
	s.metrics.sessionEnded(ctx, status, snap.frames, duration)

	attrs := []any{
		slog.String("status", status),
		slog.Duration("duration", duration),
		slog.Int("parts", len(snap.parts)),
	}
	if err != nil {
		attrs = append(attrs, slogError(err))
		log.Warn("session ended", attrs...)
		return
	}
	log.Info("session ended", attrs...)
}

func (s *Service) publish(subject string, v any) {
	if s.backends.Publisher == nil {
		return
	}
	if err := s.backends.Publisher.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish session event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
