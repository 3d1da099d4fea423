package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/frame"
	"github.com/loqalabs/loqa-stream/internal/router"
	"github.com/loqalabs/loqa-stream/internal/stt"
)

// Handler returns the HTTP surface. It is valid once the runtime is set up.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("POST /api/chat", r.handleChat)
	mux.HandleFunc("GET /api/sessions", r.handleActiveSessions)
	mux.HandleFunc("GET /api/sessions/{id}", r.handleSession)
	if r.metrics != nil {
		path := r.cfg.Telemetry.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() || r.router == nil {
		return false
	}
	return !r.cfg.Bus.Enabled || r.bus.Healthy()
}

// handleChat accepts a multipart form with a "messages" JSON array and an
// optional "file" recording, and answers with the part stream.
func (r *Runtime) handleChat(w http.ResponseWriter, req *http.Request) {
	maxBytes := int64(r.cfg.HTTP.MaxUploadMB) << 20
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxBytes)
	if err := req.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}
	defer req.MultipartForm.RemoveAll()

	chatReq, err := parseChatForm(req.MultipartForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	chatReq.RemoteAddr = req.RemoteAddr

	sw := newStreamWriter(w, streamContentType(r.cfg.Stream.Boundary))
	err = r.router.Handle(req.Context(), chatReq, sw)
	if err == nil || sw.Started() {
		return
	}
	if req.Context().Err() != nil {
		return
	}
	status := http.StatusBadGateway
	if errors.Is(err, router.ErrTranscription) {
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, err)
}

func parseChatForm(form *multipart.Form) (router.Request, error) {
	var req router.Request
	if raw := strings.TrimSpace(firstValue(form.Value["messages"])); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Messages); err != nil {
			return req, fmt.Errorf("decode messages: %w", err)
		}
	}
	if files := form.File["file"]; len(files) > 0 {
		audio, err := readUpload(files[0])
		if err != nil {
			return req, err
		}
		req.Audio = &audio
	}
	if len(req.Messages) == 0 && req.Audio == nil {
		return req, errors.New("request needs messages or a recording")
	}
	return req, nil
}

func readUpload(fh *multipart.FileHeader) (stt.Audio, error) {
	f, err := fh.Open()
	if err != nil {
		return stt.Audio{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return stt.Audio{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return stt.Audio{}, errors.New("recording is empty")
	}
	return stt.Audio{
		Data:        data,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
	}, nil
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func streamContentType(boundary string) string {
	if boundary == "" {
		boundary = frame.DefaultBoundary
	}
	return "multipart/x-mixed-replace; boundary=" + boundary
}

func (r *Runtime) handleActiveSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.router.Active())
}

type partView struct {
	Seq         int       `json:"seq"`
	ContentType string    `json:"content_type"`
	Text        string    `json:"text,omitempty"`
	Bytes       int       `json:"bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

type sessionView struct {
	ID           string     `json:"id"`
	TraceID      string     `json:"trace_id,omitempty"`
	RemoteAddr   string     `json:"remote_addr,omitempty"`
	MessageCount int        `json:"message_count"`
	HasAudio     bool       `json:"has_audio"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Parts        []partView `json:"parts"`
}

// handleSession returns the recorded timeline of a session.
func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	sess, err := r.store.GetSession(req.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	view := sessionView{
		ID:           sess.ID,
		TraceID:      sess.TraceID,
		RemoteAddr:   sess.RemoteAddr,
		MessageCount: sess.MessageCount,
		HasAudio:     sess.HasAudio,
		Status:       sess.Status,
		Error:        sess.Error,
		CreatedAt:    sess.CreatedAt,
		Parts:        make([]partView, 0, len(events)),
	}
	if !sess.EndedAt.IsZero() {
		view.EndedAt = &sess.EndedAt
	}
	for _, e := range events {
		p := partView{Seq: e.Seq, ContentType: e.ContentType, Bytes: len(e.Payload), CreatedAt: e.CreatedAt}
		if !frame.IsAudioType(e.ContentType) {
			p.Text = string(e.Payload)
		}
		view.Parts = append(view.Parts, p)
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// streamWriter commits the response headers on the first write and flushes
// after every write so each frame reaches the client as soon as it is
// encoded.
type streamWriter struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	rc          *http.ResponseController
	contentType string
	started     bool
	closed      bool
}

func newStreamWriter(w http.ResponseWriter, contentType string) *streamWriter {
	return &streamWriter{w: w, rc: http.NewResponseController(w), contentType: contentType}
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", s.contentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}

// Close ends the stream. The response itself completes when the handler
// returns.
func (s *streamWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Started reports whether any part of the stream has been sent.
func (s *streamWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
