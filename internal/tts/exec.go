package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execLine is one object of the command's output stream.
type execLine struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
}

// NewExecSynth starts command once per request. The request is written to
// its stdin as a JSON object; it answers with a stream of JSON objects, each
// carrying base64 audio, and exits.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	format := audioFormat{sampleRate: e.sampleRate, channels: e.channels}
	return pump(ctx, req, format, func(ctx context.Context) (source, error) {
		return e.start(ctx, req)
	})
}

func (e *execSynth) start(ctx context.Context, req SynthRequest) (source, error) {
	input, err := json.Marshal(map[string]any{
		"text":        req.Text,
		"voice":       req.Voice,
		"sample_rate": e.sampleRate,
		"channels":    e.channels,
	})
	if err != nil {
		return nil, fmt.Errorf("encode tts request: %w", err)
	}

	src := &processSource{ctx: ctx, cmd: exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)}
	src.cmd.Stdin = bytes.NewReader(input)
	src.cmd.Stderr = &src.stderr
	src.cmd.WaitDelay = time.Second
	stdout, err := src.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tts stdout: %w", err)
	}
	if err := src.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts command: %w", err)
	}
	src.dec = json.NewDecoder(stdout)
	return src, nil
}

// processSource reads audio pieces from a running synthesis command.
type processSource struct {
	ctx     context.Context
	cmd     *exec.Cmd
	dec     *json.Decoder
	stderr  bytes.Buffer
	drained bool
}

func (p *processSource) next() ([]byte, bool, error) {
	var line execLine
	if err := p.dec.Decode(&line); err != nil {
		if errors.Is(err, io.EOF) {
			p.drained = true
			return nil, false, io.EOF
		}
		return nil, false, fmt.Errorf("decode tts output: %w", err)
	}
	pcm, err := base64.StdEncoding.DecodeString(line.PCMBase64)
	if err != nil {
		return nil, false, fmt.Errorf("decode tts audio: %w", err)
	}
	return pcm, line.Final, nil
}

func (p *processSource) close() error {
	if !p.drained {
		// The command may be blocked writing output nobody reads.
		_ = p.cmd.Process.Kill()
	}
	err := p.cmd.Wait()
	if ctxErr := p.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err == nil || !p.drained {
		return nil
	}
	if msg := strings.TrimSpace(p.stderr.String()); msg != "" {
		return fmt.Errorf("tts command failed: %w: %s", err, msg)
	}
	return fmt.Errorf("tts command failed: %w", err)
}
