package tts

import (
	"context"
	"errors"
	"io"
)

// ErrNoAudio is returned by Stream when synthesis finished without output.
var ErrNoAudio = errors.New("synthesis produced no audio")

// Stream starts synthesis and waits for its first chunk. The returned reader
// yields the audio as the synthesizer produces it; closing it abandons the
// rest of the synthesis. Failures before the first chunk are returned
// directly.
func Stream(ctx context.Context, s Synthesizer, req SynthRequest) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	chunks, errs := s.Synthesize(ctx, req)
	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case chunk, ok := <-chunks:
		if !ok {
			err := <-errs
			cancel()
			if err == nil {
				err = ErrNoAudio
			}
			return nil, err
		}
		return &chunkReader{buf: chunk.Data, chunks: chunks, errs: errs, cancel: cancel}, nil
	}
}

type chunkReader struct {
	buf    []byte
	chunks <-chan SynthChunk
	errs   <-chan error
	cancel context.CancelFunc
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk, ok := <-r.chunks
		if !ok {
			r.err = io.EOF
			if err := <-r.errs; err != nil {
				r.err = err
			}
			continue
		}
		r.buf = chunk.Data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.cancel()
	// Let the producer observe cancellation and exit.
	for range r.chunks {
	}
	return nil
}

// source yields successive pieces of one synthesis and io.EOF after the
// last. final marks the last piece when the source knows it in advance.
type source interface {
	next() (data []byte, final bool, err error)
	close() error
}

type audioFormat struct {
	sampleRate int
	channels   int
}

// pump opens a source and forwards its pieces with the channel contract of
// Synthesizer. The source is closed before the channels are.
func pump(ctx context.Context, req SynthRequest, format audioFormat, open func(context.Context) (source, error)) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		src, err := open(ctx)
		if err != nil {
			errs <- err
			return
		}
		err = forward(ctx, req, format, src, chunks)
		if closeErr := src.close(); err == nil {
			err = closeErr
		}
		if err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func forward(ctx context.Context, req SynthRequest, format audioFormat, src source, chunks chan<- SynthChunk) error {
	for seq := 0; ; seq++ {
		data, final, err := src.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   seq,
			SampleRate: format.sampleRate,
			Channels:   format.channels,
			Data:       data,
			Final:      final,
		}:
		}
	}
}
