package protocol

import (
	"time"

	"github.com/loqalabs/loqa-stream/internal/toolcall"
)

// SessionStarted is published when a chat stream is opened.
type SessionStarted struct {
	SessionID    string    `json:"session_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	MessageCount int       `json:"message_count"`
	HasAudio     bool      `json:"has_audio"`
	Timestamp    time.Time `json:"timestamp"`
}

// Transcript is the text recognized from an uploaded recording.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// ToolCalls carries the assembled calls of one model turn.
type ToolCalls struct {
	SessionID string          `json:"session_id"`
	Calls     []toolcall.Call `json:"calls"`
	Timestamp time.Time       `json:"timestamp"`
}

// SessionEnded summarizes a finished stream.
type SessionEnded struct {
	SessionID         string         `json:"session_id"`
	Status            string         `json:"status"`
	Error             string         `json:"error,omitempty"`
	AssistantText     string         `json:"assistant_text,omitempty"`
	Frames            map[string]int `json:"frames"`
	SynthesisFailures int            `json:"synthesis_failures,omitempty"`
	DurationMS        int64          `json:"duration_ms"`
	Timestamp         time.Time      `json:"timestamp"`
}

const (
	SubjectSessionStarted    = "stream.session.started"
	SubjectSessionTranscript = "stream.session.transcript"
	SubjectSessionToolCalls  = "stream.session.tool_calls"
	SubjectSessionEnded      = "stream.session.ended"
	// SubjectSessionAll matches every session subject.
	SubjectSessionAll = "stream.session.>"
)

// Session end states.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)
