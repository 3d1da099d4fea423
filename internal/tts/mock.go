package tts

import (
	"context"
	"time"
)

type mockSynth struct {
	payload    []byte
	delay      time.Duration
	sampleRate int
	channels   int
}

// NewMockSynth emits payload as a single chunk after delay. An empty payload
// produces no audio at all.
func NewMockSynth(payload []byte, delay time.Duration, sampleRate, channels int) Synthesizer {
	return &mockSynth{payload: payload, delay: delay, sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}
		if len(m.payload) == 0 {
			return
		}
		chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			Data:       append([]byte(nil), m.payload...),
			Final:      true,
		}
	}()
	return chunks, errs
}
