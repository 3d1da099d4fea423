package frame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-stream/internal/queue"
	"golang.org/x/sync/semaphore"
)

// DefaultWordsPerChunk bounds how many words a text frame holds before a new
// boundary is written.
const DefaultWordsPerChunk = 5

// DefaultMaxInflight bounds concurrently running producers started by Dispatch.
const DefaultMaxInflight = 4

// Event is one emission. The zero Event is the end-of-stream sentinel.
type Event struct {
	ContentType string
	Text        string
	Value       any
	// Audio is piped into the frame body without being buffered whole.
	Audio io.Reader
}

// IsEnd reports whether ev is the end-of-stream sentinel.
func (ev Event) IsEnd() bool {
	return ev.ContentType == "" && ev.Text == "" && ev.Value == nil && ev.Audio == nil
}

// ProduceFunc computes an event asynchronously, e.g. by synthesizing speech.
// Returning the zero Event emits nothing.
type ProduceFunc func(ctx context.Context) (Event, error)

// Observer is told about every event once it has been written, on the
// writer goroutine. newFrame reports whether the event opened a frame.
type Observer func(ev Event, newFrame bool)

// Option configures an Encoder.
type Option func(*Encoder)

// WithBoundary sets the boundary token.
func WithBoundary(boundary string) Option {
	return func(e *Encoder) {
		if boundary != "" {
			e.boundary = boundary
		}
	}
}

// WithWordsPerChunk sets the text run length after which a new frame starts.
func WithWordsPerChunk(n int) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.wordsPerChunk = n
		}
	}
}

// WithMaxInflight bounds concurrently running producers. Zero or less means unbounded.
func WithMaxInflight(n int) Option {
	return func(e *Encoder) { e.maxInflight = n }
}

// WithObserver registers fn to watch written events. It must not block.
func WithObserver(fn Observer) Option {
	return func(e *Encoder) { e.observe = fn }
}

// Encoder writes events as frames onto one transport. Writes happen on the
// queue goroutine in Emit order.
type Encoder struct {
	w             io.WriteCloser
	q             *queue.Queue
	log           *slog.Logger
	boundary      string
	wordsPerChunk int
	maxInflight   int
	sem           *semaphore.Weighted
	observe       Observer

	// writer state, touched only by queued tasks
	started  bool
	lastType string
	words    int

	mu        sync.Mutex
	tail      chan struct{}
	pending   sync.WaitGroup
	ended     bool
	endOnce   sync.Once
	endHandle *queue.Handle
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewEncoder starts an encoding session over w. Cancelling ctx aborts pending
// writes and closes w.
func NewEncoder(ctx context.Context, w io.WriteCloser, logger *slog.Logger, opts ...Option) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Encoder{
		w:             w,
		log:           logger,
		boundary:      DefaultBoundary,
		wordsPerChunk: DefaultWordsPerChunk,
		maxInflight:   DefaultMaxInflight,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxInflight > 0 {
		e.sem = semaphore.NewWeighted(int64(e.maxInflight))
	}
	tail := make(chan struct{})
	close(tail)
	e.tail = tail
	e.q = queue.New(ctx, logger)
	go e.watch()
	return e
}

// Emit queues ev behind every earlier emission. Emitting the zero Event ends
// the stream, see Close.
func (e *Encoder) Emit(ev Event) *queue.Handle {
	if ev.IsEnd() {
		return e.Close()
	}
	return e.q.Enqueue(func(context.Context) error { return e.write(ev) })
}

// Dispatch runs produce concurrently and emits its result. Results of
// dispatched producers keep dispatch order among themselves but never hold
// back events emitted directly in the meantime. Dispatch blocks while the
// in-flight limit is reached. A producer error skips that event only.
func (e *Encoder) Dispatch(ctx context.Context, produce ProduceFunc) error {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return queue.ErrClosed
	}
	e.pending.Add(1)
	prev := e.tail
	mine := make(chan struct{})
	e.tail = mine
	e.mu.Unlock()

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			go func() {
				<-prev
				close(mine)
				e.pending.Done()
			}()
			return err
		}
	}

	go func() {
		ev, err := produce(ctx)
		var body *audioBody
		if c, ok := ev.Audio.(io.Closer); ok {
			body = &audioBody{Reader: ev.Audio, c: c}
			ev.Audio = body
		}
		<-prev
		var h *queue.Handle
		switch {
		case err != nil:
			e.log.Warn("dropping dispatched event", slog.String("error", err.Error()))
		case !ev.IsEnd():
			h = e.Emit(ev)
		}
		close(mine)
		e.pending.Done()
		if h != nil {
			<-h.Done()
		}
		// A failed or cancelled queue never hands the body to the writer.
		if body != nil && (h == nil || h.Err() != nil) {
			_ = body.Close()
		}
		if e.sem != nil {
			e.sem.Release(1)
		}
	}()
	return nil
}

// audioBody closes a dispatched audio source at most once, whether the
// writer or Dispatch gets to it.
type audioBody struct {
	io.Reader
	c    io.Closer
	once sync.Once
	err  error
}

func (b *audioBody) Close() error {
	b.once.Do(func() { b.err = b.c.Close() })
	return b.err
}

// Close ends the stream. It waits until every dispatched producer has emitted
// its result, then queues the final boundary and the transport close as the
// last task. Calling Close more than once returns the same handle.
func (e *Encoder) Close() *queue.Handle {
	e.endOnce.Do(func() {
		e.mu.Lock()
		e.ended = true
		e.mu.Unlock()

		e.pending.Wait()
		e.endHandle = e.q.Enqueue(func(context.Context) error {
			if err := e.writeString("\r\n" + e.boundary + "\r\n"); err != nil {
				return err
			}
			return e.closeTransport()
		})
		e.q.Close()
	})
	return e.endHandle
}

// Err returns the error that terminated the session, if any.
func (e *Encoder) Err() error { return e.q.Err() }

// Done is closed once the transport has been closed, cleanly or not.
func (e *Encoder) Done() <-chan struct{} { return e.done }

func (e *Encoder) watch() {
	<-e.q.Done()
	if err := e.q.Err(); err != nil {
		e.log.Warn("encoder session aborted", slog.String("error", err.Error()))
		_ = e.closeTransport()
	}
	close(e.done)
}

func (e *Encoder) write(ev Event) error {
	newFrame, err := e.writeEvent(ev)
	if err == nil && e.observe != nil {
		e.observe(ev, newFrame)
	}
	return err
}

func (e *Encoder) writeEvent(ev Event) (bool, error) {
	isText := IsTextType(ev.ContentType)
	newFrame := !e.started ||
		ev.ContentType != e.lastType ||
		!isText ||
		e.words > e.wordsPerChunk
	if newFrame {
		e.words = 0
		if err := e.writeString("\r\n" + e.boundary + "\r\n"); err != nil {
			return true, err
		}
		if ev.ContentType != "" {
			if err := e.writeString("Content-Type: " + ev.ContentType + "\r\n\r\n"); err != nil {
				return true, err
			}
		}
	}
	e.started = true
	e.lastType = ev.ContentType

	switch {
	case IsAudioType(ev.ContentType):
		if ev.Audio == nil {
			return newFrame, nil
		}
		if c, ok := ev.Audio.(io.Closer); ok {
			defer c.Close()
		}
		tw := &transportWriter{w: e.w}
		if _, err := io.Copy(tw, ev.Audio); err != nil {
			if tw.err != nil {
				return newFrame, &Error{Kind: KindTransport, Msg: "pipe audio body", Err: tw.err}
			}
			// The frame stays well formed; the next boundary cuts it short.
			e.log.Warn("audio source failed mid-frame", slog.String("error", err.Error()))
		}
		return newFrame, nil
	case ev.ContentType == ContentTypeJSON:
		data, err := json.Marshal(ev.Value)
		if err != nil {
			return newFrame, fmt.Errorf("marshal json body: %w", err)
		}
		return newFrame, e.writeBytes(data)
	default:
		if ev.Text == "" {
			return newFrame, nil
		}
		if isText {
			e.words += len(strings.Split(ev.Text, " "))
		}
		return newFrame, e.writeString(ev.Text)
	}
}

func (e *Encoder) writeString(s string) error {
	return e.writeBytes([]byte(s))
}

func (e *Encoder) writeBytes(b []byte) error {
	if _, err := e.w.Write(b); err != nil {
		return &Error{Kind: KindTransport, Msg: "write frame", Err: err}
	}
	return nil
}

// transportWriter remembers write failures so they can be told apart from
// failures of the audio source.
type transportWriter struct {
	w   io.Writer
	err error
}

func (t *transportWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func (e *Encoder) closeTransport() error {
	e.closeOnce.Do(func() {
		if err := e.w.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			e.closeErr = &Error{Kind: KindTransport, Msg: "close transport", Err: err}
		}
	})
	return e.closeErr
}
