package router

import (
	"bytes"
	"encoding/json"
	"io"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/frame"
)

// SessionInfo describes a streaming session.
type SessionInfo struct {
	ID         string         `json:"id"`
	TraceID    string         `json:"trace_id,omitempty"`
	RemoteAddr string         `json:"remote_addr,omitempty"`
	HasAudio   bool           `json:"has_audio"`
	StartedAt  time.Time      `json:"started_at"`
	Frames     map[string]int `json:"frames"`
}

type session struct {
	id          string
	traceID     string
	remote      string
	messages    int
	hasAudio    bool
	recordAudio bool
	started     time.Time

	mu            sync.Mutex
	frames        map[string]int
	parts         []eventstore.Event
	text          strings.Builder
	synthFailures int
}

type sessionSnapshot struct {
	frames        map[string]int
	parts         []eventstore.Event
	assistantText string
	synthFailures int
}

func newSession(id string, req Request, recordAudio bool) *session {
	return &session{
		id:          id,
		remote:      req.RemoteAddr,
		messages:    len(req.Messages),
		hasAudio:    req.Audio != nil,
		recordAudio: recordAudio,
		started:     time.Now(),
		frames:      make(map[string]int),
	}
}

// observe runs on the encoder's writer goroutine after every written event.
// Consecutive text events sharing a frame are recorded as one part.
func (s *session) observe(ev frame.Event, newFrame bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newFrame || len(s.parts) == 0 {
		s.frames[ev.ContentType]++
		s.parts = append(s.parts, eventstore.Event{
			SessionID:   s.id,
			Seq:         len(s.parts),
			Type:        "part",
			ContentType: ev.ContentType,
			CreatedAt:   time.Now().UTC(),
		})
	}
	last := &s.parts[len(s.parts)-1]
	switch {
	case frame.IsAudioType(ev.ContentType):
		if c, ok := ev.Audio.(*capture); ok {
			last.Payload = append(last.Payload, c.buf.Bytes()...)
		}
	case ev.ContentType == frame.ContentTypeJSON:
		if data, err := json.Marshal(ev.Value); err == nil {
			last.Payload = data
		}
	default:
		last.Payload = append(last.Payload, ev.Text...)
	}
}

func (s *session) appendText(text string) {
	s.mu.Lock()
	s.text.WriteString(text)
	s.mu.Unlock()
}

func (s *session) synthesisFailed() {
	s.mu.Lock()
	s.synthFailures++
	s.mu.Unlock()
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:         s.id,
		TraceID:    s.traceID,
		RemoteAddr: s.remote,
		HasAudio:   s.hasAudio,
		StartedAt:  s.started.UTC(),
		Frames:     maps.Clone(s.frames),
	}
}

func (s *session) snapshot() sessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionSnapshot{
		frames:        maps.Clone(s.frames),
		parts:         append([]eventstore.Event(nil), s.parts...),
		assistantText: s.text.String(),
		synthFailures: s.synthFailures,
	}
}

// capture keeps a copy of audio as it is piped into a frame.
type capture struct {
	io.ReadCloser
	buf bytes.Buffer
}

func (c *capture) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.buf.Write(p[:n])
	return n, err
}

// registry tracks sessions in flight.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *registry) count() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.sessions))
}

func (r *registry) list() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
