package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-stream/internal/client"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/frame"
	"github.com/loqalabs/loqa-stream/internal/stt"
	"github.com/loqalabs/loqa-stream/internal/toolcall"
	"github.com/urfave/cli/v2"
)

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, cli.Exit(err.Error(), 2)
	}
	return cfg, nil
}

func newLogger(c *cli.Context) *slog.Logger {
	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Send a message or recording and print the streamed reply",
		ArgsUsage: "[message]",
		Description: "With no message and no recording, lines are read from stdin and sent\n" +
			"as consecutive turns of one conversation.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Usage: "Server URL (overrides client.server_url)"},
			&cli.StringFlag{Name: "audio", Usage: "Recording to send instead of a typed message"},
			&cli.StringFlag{Name: "out", Usage: "Append received audio to this file"},
		},
		Action: chatAction,
	}
}

func chatAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if s := c.String("server"); s != "" {
		cfg.Client.ServerURL = s
	}
	logger := newLogger(c)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := c.App.Writer
	board := newCanvas(out)
	cl := client.FromConfig(cfg, logger, client.WithTools(board))

	var sink *os.File
	if path := c.String("out"); path != "" {
		if sink, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
			return fmt.Errorf("open audio output: %w", err)
		}
		defer sink.Close()
	}
	h := printer(out, sink)
	conv := client.NewConversation()

	if path := c.String("audio"); path != "" {
		rec, err := readRecording(path)
		if err != nil {
			return err
		}
		return turn(ctx, cl, conv, "", &rec, h, out)
	}
	if c.NArg() > 0 {
		return turn(ctx, cl, conv, strings.Join(c.Args().Slice(), " "), nil, h, out)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := turn(ctx, cl, conv, line, nil, h, out); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func turn(ctx context.Context, cl *client.Client, conv *client.Conversation, text string, rec *stt.Audio, h client.Handler, out io.Writer) error {
	err := cl.Chat(ctx, conv, text, rec, h)
	fmt.Fprintln(out)
	var se *client.StatusError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	case errors.As(err, &se):
		return cli.Exit(se.Error(), 1)
	default:
		return err
	}
}

// printer writes text as it streams in and keeps audio out of the terminal.
func printer(out io.Writer, sink io.Writer) client.Handler {
	return client.Handler{
		OnUserText: func(text string) error {
			_, err := fmt.Fprintf(out, "you: %s\n", text)
			return err
		},
		OnText: func(text string) error {
			_, err := io.WriteString(out, text)
			return err
		},
		OnAudio: func(data []byte, _ string) error {
			if sink == nil {
				return nil
			}
			_, err := sink.Write(data)
			return err
		},
		OnUnknown: func(p frame.Part) error {
			_, err := fmt.Fprintf(out, "\n[%s] %d bytes\n", p.ContentType, len(p.Body))
			return err
		},
	}
}

func readRecording(path string) (stt.Audio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return stt.Audio{}, fmt.Errorf("read recording: %w", err)
	}
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcm", ".raw":
		ct = "audio/pcm"
	case ".wav":
		ct = "audio/wav"
	}
	return stt.Audio{Data: data, Filename: filepath.Base(path), ContentType: ct}, nil
}

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Print the parts of a recorded response stream",
		ArgsUsage: "[stream-file]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "boundary", Usage: "Boundary token (defaults to stream.boundary)"},
		},
		Action: decodeAction,
	}
}

func decodeAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	boundary := cfg.Stream.Boundary
	if b := c.String("boundary"); b != "" {
		boundary = b
	}

	var src io.Reader = os.Stdin
	if c.NArg() > 0 {
		f, err := os.Open(c.Args().First())
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		defer f.Close()
		src = f
	}
	return describeParts(c.App.Writer, client.NewReader(src, boundary, newLogger(c)))
}

func describeParts(out io.Writer, r *client.Reader) error {
	for n := 1; ; n++ {
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return cli.Exit(fmt.Sprintf("part %d: %v", n, err), 1)
		}
		switch {
		case p.IsAudio():
			fmt.Fprintf(out, "%d\t%s\t%d bytes\n", n, p.ContentType, len(p.Body))
		case p.IsJSON():
			var calls []toolcall.Call
			if err := p.DecodeJSON(&calls); err == nil && len(calls) > 0 {
				fmt.Fprintf(out, "%d\t%s\t%s\n", n, p.ContentType, toolcall.Summary(calls))
				continue
			}
			fmt.Fprintf(out, "%d\t%s\t%s\n", n, p.ContentType, p.Body)
		default:
			fmt.Fprintf(out, "%d\t%s\t%q\n", n, p.ContentType, p.Text)
		}
	}
}

// canvas is a terminal stand-in for the demo shapes the default tools style.
type canvas struct {
	out    io.Writer
	styles map[string]map[string]any
}

func newCanvas(out io.Writer) *canvas {
	return &canvas{out: out, styles: make(map[string]map[string]any)}
}

func (cv *canvas) Execute(_ context.Context, call toolcall.Call) (string, error) {
	name := call.Function.Name
	shape, ok := strings.CutPrefix(name, "set_")
	if !ok || !strings.HasSuffix(shape, "_style") {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	shape = strings.TrimSuffix(shape, "_style")

	var args struct {
		Style map[string]any `json:"style"`
	}
	if err := call.DecodeArguments(&args); err != nil {
		return "", err
	}
	style := cv.styles[shape]
	if style == nil {
		style = make(map[string]any)
		cv.styles[shape] = style
	}
	for k, v := range args.Style {
		style[k] = v
	}
	raw, err := json.Marshal(style)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(cv.out, "\n[%s] %s\n", shape, raw)
	return string(raw), nil
}
