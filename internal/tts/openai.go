package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
)

type openaiSynth struct {
	client     *openai.Client
	model      string
	voice      string
	chunkBytes int
}

// NewOpenAISynth requests speech from the audio speech API and forwards the
// response body in chunks of chunkBytes as it arrives.
func NewOpenAISynth(client *openai.Client, model, voice string, chunkBytes int) Synthesizer {
	if model == "" {
		model = "tts-1"
	}
	if voice == "" {
		voice = "alloy"
	}
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	return &openaiSynth{client: client, model: model, voice: voice, chunkBytes: chunkBytes}
}

func (s *openaiSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	return pump(ctx, req, audioFormat{}, func(ctx context.Context) (source, error) {
		voice := req.Voice
		if voice == "" {
			voice = s.voice
		}
		resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
			Input: req.Text,
			Model: openai.SpeechModel(s.model),
			Voice: openai.AudioSpeechNewParamsVoice(voice),
		})
		if err != nil {
			return nil, fmt.Errorf("openai speech: %w", err)
		}
		return &bodySource{body: resp.Body, size: s.chunkBytes}, nil
	})
}

// bodySource cuts a response body into fixed-size pieces.
type bodySource struct {
	body io.ReadCloser
	size int
	err  error
}

func (b *bodySource) next() ([]byte, bool, error) {
	if b.err != nil {
		return nil, false, b.err
	}
	buf := make([]byte, b.size)
	n, err := io.ReadFull(b.body, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		b.err = io.EOF
	case err != nil:
		b.err = fmt.Errorf("read speech body: %w", err)
	}
	if n == 0 {
		return nil, false, b.err
	}
	return buf[:n], b.err != nil, nil
}

func (b *bodySource) close() error { return b.body.Close() }
