package stt

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// spool writes the upload to a temporary file, wrapping raw PCM as WAV. The
// returned file is positioned at its start; the caller removes it.
func spool(upload Audio, sampleRate, channels int) (*os.File, error) {
	ext := ".wav"
	if !upload.IsRawPCM() {
		ext = filepath.Ext(upload.Filename)
		if ext == "" {
			ext = ".webm"
		}
	}
	file, err := os.CreateTemp("", "loqa_stt_*"+ext)
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(file.Name())
	}

	if upload.IsRawPCM() {
		err = writePCMToWav(file, upload.Data, sampleRate, channels)
	} else {
		_, err = file.Write(upload.Data)
	}
	if err != nil {
		cleanup()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	return file, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
