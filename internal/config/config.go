package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
	MetricsPath  string `yaml:"metrics_path"`
}

type HTTPConfig struct {
	Bind            string `yaml:"bind"`
	Port            int    `yaml:"port"`
	MaxUploadMB     int    `yaml:"max_upload_mb"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Stream      StreamConfig     `yaml:"stream"`
	OpenAI      OpenAIConfig     `yaml:"openai"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Tools       []ToolConfig     `yaml:"tools"`
	Client      ClientConfig     `yaml:"client"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	RecordAudio   bool   `yaml:"record_audio"`
}

// StreamConfig tunes the multipart response stream.
type StreamConfig struct {
	Boundary             string `yaml:"boundary"`
	WordsPerChunk        int    `yaml:"words_per_chunk"`
	MinSentenceChars     int    `yaml:"min_sentence_chars"`
	MaxInflightSynthesis int    `yaml:"max_inflight_synthesis"`
	AudioContentType     string `yaml:"audio_content_type"`
	SessionTimeoutMS     int    `yaml:"session_timeout_ms"`
	SystemPrompt         string `yaml:"system_prompt"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type STTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec, openai
	Command    string `yaml:"command"`
	Model      string `yaml:"model"`
	ModelPath  string `yaml:"model_path"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, openai
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"` // mock, exec, openai
	Command    string `yaml:"command"`
	Model      string `yaml:"model"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	ChunkBytes int    `yaml:"chunk_bytes"`
}

// ToolConfig declares a function the model may call. Calls are executed by
// the client that receives the stream.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

type ClientConfig struct {
	ServerURL     string `yaml:"server_url"`
	MaxToolRounds int    `yaml:"max_tool_rounds"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stream",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:            "0.0.0.0",
			Port:            8080,
			MaxUploadMB:     25,
			ShutdownTimeout: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			MetricsPath:  "/metrics",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-stream.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Stream: StreamConfig{
			Boundary:             "----MultipartStreamBoundary",
			WordsPerChunk:        5,
			MinSentenceChars:     30,
			MaxInflightSynthesis: 4,
			AudioContentType:     "audio/binary",
			SessionTimeoutMS:     120000,
		},
		STT: STTConfig{
			Enabled:    true,
			Mode:       "mock",
			Model:      "whisper-1",
			SampleRate: 16000,
			Channels:   1,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "gpt-4o-mini",
			MaxTokens:   512,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "mock",
			Model:      "tts-1",
			Voice:      "alloy",
			SampleRate: 22050,
			Channels:   1,
			ChunkBytes: 4096,
		},
		Tools: DefaultTools(),
		Client: ClientConfig{
			ServerURL:     "http://localhost:8080",
			MaxToolRounds: 4,
			TimeoutMS:     120000,
		},
	}
}

// DefaultTools are the shape styling functions of the demo canvas.
func DefaultTools() []ToolConfig {
	shape := func(name, fill string) ToolConfig {
		return ToolConfig{
			Name:        fmt.Sprintf("set_%s_style", name),
			Description: fmt.Sprintf("Set the style of the %s (default is width 64px, height 64px, fill %s)", name, fill),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"style": map[string]any{
						"type":        "object",
						"description": fmt.Sprintf("react css style for the %s", name),
					},
				},
				"required": []any{"style"},
			},
		}
	}
	return []ToolConfig{
		shape("circle", "#10b981"),
		shape("square", "#ef4444"),
		shape("triangle", "#3b82f6"),
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "LOQA_HTTP_MAX_UPLOAD_MB")
	overrideInt(&cfg.HTTP.ShutdownTimeout, "LOQA_HTTP_SHUTDOWN_TIMEOUT_MS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.MetricsPath, "LOQA_TELEMETRY_METRICS_PATH")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.EventStore.RecordAudio, "LOQA_EVENT_STORE_RECORD_AUDIO")
	overrideString(&cfg.Stream.Boundary, "LOQA_STREAM_BOUNDARY")
	overrideInt(&cfg.Stream.WordsPerChunk, "LOQA_STREAM_WORDS_PER_CHUNK")
	overrideInt(&cfg.Stream.MinSentenceChars, "LOQA_STREAM_MIN_SENTENCE_CHARS")
	overrideInt(&cfg.Stream.MaxInflightSynthesis, "LOQA_STREAM_MAX_INFLIGHT_SYNTHESIS")
	overrideString(&cfg.Stream.AudioContentType, "LOQA_STREAM_AUDIO_CONTENT_TYPE")
	overrideInt(&cfg.Stream.SessionTimeoutMS, "LOQA_STREAM_SESSION_TIMEOUT_MS")
	overrideString(&cfg.Stream.SystemPrompt, "LOQA_STREAM_SYSTEM_PROMPT")
	overrideString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.APIKey, "LOQA_OPENAI_API_KEY")
	overrideString(&cfg.OpenAI.BaseURL, "LOQA_OPENAI_BASE_URL")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.ModelPath, "LOQA_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "LOQA_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "LOQA_STT_CHANNELS")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkBytes, "LOQA_TTS_CHUNK_BYTES")
	overrideString(&cfg.Client.ServerURL, "LOQA_CLIENT_SERVER_URL")
	overrideInt(&cfg.Client.MaxToolRounds, "LOQA_CLIENT_MAX_TOOL_ROUNDS")
	overrideInt(&cfg.Client.TimeoutMS, "LOQA_CLIENT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if err := validateStream(cfg.Stream); err != nil {
		return err
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec", "openai":
		default:
			return errors.New("stt.mode must be one of mock|exec|openai")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "openai":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|openai")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec", "openai":
		default:
			return errors.New("tts.mode must be one of mock|exec|openai")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if usesOpenAI(cfg) && cfg.OpenAI.APIKey == "" {
		return errors.New("openai.api_key must be set when a backend uses mode=openai")
	}
	seen := make(map[string]bool, len(cfg.Tools))
	for i, tool := range cfg.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tools[%d].name must not be empty", i)
		}
		if seen[tool.Name] {
			return fmt.Errorf("tools[%d].name %q is declared twice", i, tool.Name)
		}
		seen[tool.Name] = true
	}
	if cfg.Client.MaxToolRounds < 0 {
		return errors.New("client.max_tool_rounds must be >= 0")
	}
	return nil
}

func validateStream(s StreamConfig) error {
	if strings.TrimSpace(s.Boundary) == "" {
		return errors.New("stream.boundary must not be empty")
	}
	if strings.ContainsAny(s.Boundary, "\r\n") {
		return errors.New("stream.boundary must not contain line breaks")
	}
	if s.WordsPerChunk <= 0 {
		return errors.New("stream.words_per_chunk must be positive")
	}
	if s.MinSentenceChars < 0 {
		return errors.New("stream.min_sentence_chars must be >= 0")
	}
	if s.MaxInflightSynthesis < 0 {
		return errors.New("stream.max_inflight_synthesis must be >= 0")
	}
	if !strings.HasPrefix(s.AudioContentType, "audio/") {
		return errors.New("stream.audio_content_type must be an audio/* media type")
	}
	return nil
}

func usesOpenAI(cfg Config) bool {
	return (cfg.STT.Enabled && cfg.STT.Mode == "openai") ||
		cfg.LLM.Mode == "openai" ||
		(cfg.TTS.Enabled && cfg.TTS.Mode == "openai")
}
