package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/llm"
	"github.com/loqalabs/loqa-stream/internal/stt"
	"github.com/loqalabs/loqa-stream/internal/tts"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// speechBackends holds the model backends selected by configuration.
type speechBackends struct {
	recognizer  stt.Recognizer
	generator   llm.Generator
	synthesizer tts.Synthesizer
}

func buildBackends(cfg config.Config) (speechBackends, error) {
	var (
		b      speechBackends
		client *openai.Client
		err    error
	)
	openaiClient := func() *openai.Client {
		if client == nil {
			client = newOpenAIClient(cfg.OpenAI)
		}
		return client
	}

	if cfg.STT.Enabled {
		switch strings.ToLower(cfg.STT.Mode) {
		case "", "mock":
			b.recognizer = stt.NewMockRecognizer("")
		case "exec":
			if b.recognizer, err = stt.NewExecRecognizer(cfg.STT); err != nil {
				return b, fmt.Errorf("stt exec backend: %w", err)
			}
		case "openai":
			b.recognizer = stt.NewOpenAIRecognizer(openaiClient(), cfg.STT)
		default:
			return b, fmt.Errorf("unsupported stt mode %q", cfg.STT.Mode)
		}
	}

	switch strings.ToLower(cfg.LLM.Mode) {
	case "", "mock":
		b.generator = llm.NewMockGenerator()
	case "ollama":
		b.generator = llm.NewOllamaGenerator(cfg.LLM.Endpoint, cfg.LLM.Model)
	case "exec":
		if b.generator, err = llm.NewExecGenerator(cfg.LLM.Command); err != nil {
			return b, fmt.Errorf("llm exec backend: %w", err)
		}
	case "openai":
		b.generator = llm.NewOpenAIGenerator(openaiClient(), cfg.LLM.Model)
	default:
		return b, fmt.Errorf("unsupported llm mode %q", cfg.LLM.Mode)
	}

	if cfg.TTS.Enabled {
		switch strings.ToLower(cfg.TTS.Mode) {
		case "", "mock":
			b.synthesizer = tts.NewMockSynth(silence(cfg.TTS.SampleRate, cfg.TTS.Channels, 200*time.Millisecond),
				20*time.Millisecond, cfg.TTS.SampleRate, cfg.TTS.Channels)
		case "exec":
			if b.synthesizer, err = tts.NewExecSynth(cfg.TTS.Command, cfg.TTS.SampleRate, cfg.TTS.Channels); err != nil {
				return b, fmt.Errorf("tts exec backend: %w", err)
			}
		case "openai":
			b.synthesizer = tts.NewOpenAISynth(openaiClient(), cfg.TTS.Model, cfg.TTS.Voice, cfg.TTS.ChunkBytes)
		default:
			return b, fmt.Errorf("unsupported tts mode %q", cfg.TTS.Mode)
		}
	}
	return b, nil
}

func newOpenAIClient(cfg config.OpenAIConfig) *openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &client
}

// silence returns 16-bit PCM of the given length.
func silence(sampleRate, channels int, d time.Duration) []byte {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	samples := int(d.Seconds() * float64(sampleRate))
	return make([]byte, samples*channels*2)
}
