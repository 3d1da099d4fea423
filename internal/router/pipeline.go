package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stream/internal/chunker"
	"github.com/loqalabs/loqa-stream/internal/frame"
	"github.com/loqalabs/loqa-stream/internal/llm"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/toolcall"
	"github.com/loqalabs/loqa-stream/internal/tts"
)

// pipeline routes model output of one session onto its encoder.
type pipeline struct {
	ctx    context.Context
	svc    *Service
	sess   *session
	enc    *frame.Encoder
	speech *chunker.Chunker
	tools  *toolcall.Aggregator
	log    *slog.Logger
}

func newPipeline(ctx context.Context, svc *Service, sess *session, enc *frame.Encoder, log *slog.Logger) *pipeline {
	return &pipeline{
		ctx:    ctx,
		svc:    svc,
		sess:   sess,
		enc:    enc,
		speech: chunker.New(svc.stream.MinSentenceChars),
		tools:  toolcall.NewAggregator(),
		log:    log,
	}
}

// handle is the generator's consumer. Returning an error stops generation.
func (p *pipeline) handle(ev llm.Event) error {
	if err := p.enc.Err(); err != nil {
		return err
	}
	switch ev.Kind {
	case llm.EventText:
		if ev.Text == "" {
			return nil
		}
		p.sess.appendText(ev.Text)
		p.enc.Emit(frame.Event{ContentType: frame.ContentTypeText, Text: ev.Text})
		return p.speak(p.speech.Append(ev.Text))
	case llm.EventToolDelta:
		p.tools.Merge(ev.ToolCalls)
	case llm.EventToolsDone:
		return p.flushTools()
	case llm.EventDone:
		return p.finish()
	}
	return nil
}

// finish emits tool calls the backend never marked finished and speaks the
// rest of the buffered text. Calling it again is a no-op.
func (p *pipeline) finish() error {
	if p.tools.Pending() {
		if err := p.flushTools(); err != nil {
			return err
		}
	}
	return p.speak(p.speech.Flush())
}

func (p *pipeline) flushTools() error {
	calls := p.tools.Finalize()
	if len(calls) == 0 {
		return nil
	}
	p.log.Info("tool calls assembled", slog.Int("count", len(calls)))
	p.enc.Emit(frame.Event{ContentType: frame.ContentTypeJSON, Value: calls})
	p.svc.publish(protocol.SubjectSessionToolCalls, protocol.ToolCalls{
		SessionID: p.sess.id,
		Calls:     calls,
		Timestamp: time.Now().UTC(),
	})
	return p.speak(p.speech.Append(toolcall.Summary(calls)))
}

// speak dispatches synthesis of text. The audio frame is emitted once the
// synthesizer yields its first chunk.
func (p *pipeline) speak(text string) error {
	synth := p.svc.backends.Synthesizer
	if synth == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	req := tts.SynthRequest{SessionID: p.sess.id, Text: text, Voice: p.svc.voice}
	audioType := p.svc.stream.AudioContentType
	if audioType == "" {
		audioType = frame.ContentTypeAudio
	}
	return p.enc.Dispatch(p.ctx, func(ctx context.Context) (frame.Event, error) {
		start := time.Now()
		r, err := tts.Stream(ctx, synth, req)
		if errors.Is(err, tts.ErrNoAudio) {
			return frame.Event{}, nil
		}
		if err != nil {
			if ctx.Err() == nil {
				p.sess.synthesisFailed()
				p.svc.metrics.synthesisFailed(ctx)
			}
			return frame.Event{}, fmt.Errorf("synthesize %d chars: %w", len(text), err)
		}
		p.svc.metrics.synthesisStarted(ctx, time.Since(start))
		ev := frame.Event{ContentType: audioType, Audio: r}
		if p.sess.recordAudio {
			ev.Audio = &capture{ReadCloser: r}
		}
		return ev, nil
	})
}
