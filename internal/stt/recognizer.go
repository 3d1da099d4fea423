package stt

import (
	"context"
	"path/filepath"
	"strings"
)

// Audio is one recorded utterance uploaded by a client.
type Audio struct {
	Data        []byte
	Filename    string
	ContentType string
}

// IsRawPCM reports whether the upload is headerless 16-bit PCM that must be
// wrapped before a recognizer can read it.
func (a Audio) IsRawPCM() bool {
	switch strings.ToLower(a.ContentType) {
	case "audio/pcm", "audio/l16", "audio/x-raw":
		return true
	}
	switch strings.ToLower(filepath.Ext(a.Filename)) {
	case ".pcm", ".raw":
		return true
	}
	return false
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, audio Audio) (TranscriptResult, error)
}
