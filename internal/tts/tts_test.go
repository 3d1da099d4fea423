package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSynth struct {
	chunks [][]byte
	err    error
}

func (s scriptedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for i, c := range s.chunks {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- SynthChunk{Sequence: i, Data: c}:
			}
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return chunks, errs
}

func TestStreamConcatenatesChunks(t *testing.T) {
	r, err := Stream(context.Background(), scriptedSynth{chunks: [][]byte{[]byte("ab"), []byte("cd"), []byte("e")}}, SynthRequest{Text: "x"})
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(data))
	require.NoError(t, r.Close())
}

func TestStreamNoAudio(t *testing.T) {
	_, err := Stream(context.Background(), NewMockSynth(nil, 0, 22050, 1), SynthRequest{Text: "x"})
	assert.ErrorIs(t, err, ErrNoAudio)
}

func TestStreamFailsBeforeFirstChunk(t *testing.T) {
	boom := errors.New("voice unavailable")
	_, err := Stream(context.Background(), scriptedSynth{err: boom}, SynthRequest{Text: "x"})
	assert.ErrorIs(t, err, boom)
}

func TestStreamFailsMidway(t *testing.T) {
	boom := errors.New("connection reset")
	r, err := Stream(context.Background(), scriptedSynth{chunks: [][]byte{[]byte("ab")}, err: boom}, SynthRequest{Text: "x"})
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	assert.Equal(t, "ab", string(data))
	assert.ErrorIs(t, err, boom)
}

func TestStreamCloseAbandonsSynthesis(t *testing.T) {
	many := make([][]byte, 100)
	for i := range many {
		many[i] = []byte("x")
	}
	r, err := Stream(context.Background(), scriptedSynth{chunks: many}, SynthRequest{Text: "x"})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		_ = r.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
}

func TestMockSynth(t *testing.T) {
	chunks, errs := NewMockSynth([]byte("pcm"), time.Millisecond, 22050, 1).Synthesize(context.Background(), SynthRequest{SessionID: "s1", Text: "hi"})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 1)
	assert.Equal(t, "pcm", string(got[0].Data))
	assert.Equal(t, "s1", got[0].SessionID)
	assert.True(t, got[0].Final)
}

func TestExecSynth(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "tts.sh")
	// "YWJj" and "ZGVm" are base64 for "abc" and "def".
	content := `#!/bin/sh
cat > /dev/null
printf '%s\n' '{"pcm_base64":"YWJj","final":false}'
printf '%s\n' '{"pcm_base64":"ZGVm","final":true}'
`
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))

	s, err := NewExecSynth(script, 22050, 1)
	require.NoError(t, err)
	r, err := Stream(context.Background(), s, SynthRequest{Text: "hello"})
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
	require.NoError(t, r.Close())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "tts.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755))
	return script
}

func TestExecSynthChunkMetadata(t *testing.T) {
	script := writeScript(t, `read -r req
printf '%s' '{"pcm_base64":"YWJj"}{"pcm_base64":"ZGVm","final":true}'
`)
	s, err := NewExecSynth(script, 16000, 2)
	require.NoError(t, err)
	chunks, errs := s.Synthesize(context.Background(), SynthRequest{SessionID: "s1", Text: "hello"})
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 2)
	assert.Equal(t, SynthChunk{SessionID: "s1", Sequence: 0, SampleRate: 16000, Channels: 2, Data: []byte("abc")}, got[0])
	assert.Equal(t, 1, got[1].Sequence)
	assert.True(t, got[1].Final)
}

func TestExecSynthCommandFailure(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\necho 'voice not installed' >&2\nexit 3\n")
	s, err := NewExecSynth(script, 22050, 1)
	require.NoError(t, err)
	_, err = Stream(context.Background(), s, SynthRequest{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "voice not installed")
}

func TestExecSynthBadOutput(t *testing.T) {
	script := writeScript(t, "cat > /dev/null\necho 'not json'\nexec sleep 5\n")
	s, err := NewExecSynth(script, 22050, 1)
	require.NoError(t, err)
	start := time.Now()
	_, err = Stream(context.Background(), s, SynthRequest{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode tts output")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecSynth("  ", 22050, 1)
	assert.Error(t, err)
}

func TestOpenAISynthChunksBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/audio/speech"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer srv.Close()

	client := openai.NewClient(option.WithAPIKey("test"), option.WithBaseURL(srv.URL+"/v1/"), option.WithMaxRetries(0))
	s := NewOpenAISynth(&client, "tts-1", "alloy", 4)
	chunks, errs := s.Synthesize(context.Background(), SynthRequest{Text: "Hello there."})
	var parts []string
	for c := range chunks {
		parts = append(parts, string(c.Data))
	}
	require.NoError(t, <-errs)
	assert.Equal(t, []string{"0123", "4567", "89"}, parts)
	assert.Equal(t, "Hello there.", body["input"])
	assert.Equal(t, "alloy", body["voice"])
	assert.Equal(t, "tts-1", body["model"])
}
