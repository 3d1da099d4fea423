package stt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/openai/openai-go"
)

type openaiRecognizer struct {
	client *openai.Client
	cfg    config.STTConfig
}

// NewOpenAIRecognizer transcribes uploads with the audio transcription API.
func NewOpenAIRecognizer(client *openai.Client, cfg config.STTConfig) Recognizer {
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	return &openaiRecognizer{client: client, cfg: cfg}
}

func (r *openaiRecognizer) Transcribe(ctx context.Context, audio Audio) (TranscriptResult, error) {
	file, err := spool(audio, r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(file.Name())
	defer file.Close()

	contentType := audio.ContentType
	switch {
	case audio.IsRawPCM():
		contentType = "audio/wav"
	case contentType == "":
		contentType = "application/octet-stream"
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(file, filepath.Base(file.Name()), contentType),
		Model: openai.AudioModel(r.cfg.Model),
	}
	if r.cfg.Language != "" {
		params.Language = openai.String(r.cfg.Language)
	}
	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}
	return TranscriptResult{Text: resp.Text}, nil
}
