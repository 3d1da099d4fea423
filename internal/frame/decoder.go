package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

var headerSeparator = []byte("\r\n\r\n")

// Decoder reassembles parts from a byte stream delivered in chunks of any size.
// It is not safe for concurrent use; one decoder serves one stream.
type Decoder struct {
	delim   []byte
	buf     []byte
	scanned int
	started bool
	err     error
	log     *slog.Logger
}

// NewDecoder returns a decoder for the given boundary token.
func NewDecoder(boundary string, logger *slog.Logger) *Decoder {
	if boundary == "" {
		boundary = DefaultBoundary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		delim: []byte("\r\n" + boundary + "\r\n"),
		log:   logger,
	}
}

// Buffered returns the number of bytes not yet resolved into a part.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Decode appends chunk to the buffer and returns every part completed by it.
// Incomplete trailing input stays buffered for the next call. Once a decode
// error is returned the decoder keeps returning it.
func (d *Decoder) Decode(chunk []byte) ([]Part, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var parts []Part
	for {
		idx := bytes.Index(d.buf[d.scanned:], d.delim)
		if idx < 0 {
			// Keep the tail that could still be the start of a delimiter.
			d.scanned = max(0, len(d.buf)-len(d.delim)+1)
			return parts, nil
		}
		end := d.scanned + idx
		if !d.started || end == 0 {
			// Bytes before the first boundary are preamble.
			d.started = true
			d.consume(end + len(d.delim))
			continue
		}
		part, err := d.parse(d.buf[:end])
		if err != nil {
			d.err = err
			return parts, err
		}
		d.consume(end + len(d.delim))
		parts = append(parts, part)
	}
}

// Flush is called once the transport reports end of input. A clean stream
// leaves nothing buffered and yields the terminal part.
func (d *Decoder) Flush() (Part, error) {
	if d.err != nil {
		return Part{}, d.err
	}
	if len(d.buf) > 0 {
		d.err = &Error{
			Kind: KindUnterminatedStream,
			Msg:  fmt.Sprintf("stream ended with %d undecoded bytes", len(d.buf)),
		}
		return Part{}, d.err
	}
	return Part{terminal: true}, nil
}

func (d *Decoder) consume(n int) {
	rest := len(d.buf) - n
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	d.scanned = 0
}

func (d *Decoder) parse(segment []byte) (Part, error) {
	sep := bytes.Index(segment, headerSeparator)
	if sep < 0 || !isHeaderBlock(segment[:sep]) {
		if startsWithContentType(segment) {
			return Part{}, &Error{Kind: KindMalformedFrame, Msg: "missing header separator"}
		}
		// The header block is optional; the whole segment is the body.
		body := append([]byte(nil), segment...)
		return Part{Body: body, Text: string(body)}, nil
	}
	contentType, params := parseHeaders(string(segment[:sep]))
	body := append([]byte(nil), segment[sep+len(headerSeparator):]...)

	part := Part{ContentType: contentType, Params: params, Body: body}
	switch {
	case contentType == ContentTypeText:
		part.Text = string(body)
		if params["role"] == "user" {
			part.ContentType = ContentTypeTextUser
		}
	case IsAudioType(contentType):
	case contentType == ContentTypeJSON:
		if !utf8.Valid(body) {
			return Part{}, &Error{Kind: KindStructuredDecode, Msg: "json body is not valid utf-8"}
		}
		if err := json.Unmarshal(body, &part.Value); err != nil {
			return Part{}, &Error{Kind: KindStructuredDecode, Msg: "parse json body", Err: err}
		}
	default:
		part.Text = string(body)
		d.log.Warn("unhandled content type", slog.String("content_type", contentType))
	}
	return part, nil
}

// isHeaderBlock reports whether every line of block looks like "Key: value".
func isHeaderBlock(block []byte) bool {
	if len(block) == 0 {
		return false
	}
	for _, line := range bytes.Split(block, []byte("\r\n")) {
		key, _, ok := bytes.Cut(line, []byte(":"))
		if !ok || len(key) == 0 || bytes.ContainsAny(key, " \t") {
			return false
		}
	}
	return true
}

// startsWithContentType reports whether segment opens with a Content-Type
// header line, i.e. it declares headers it never terminates.
func startsWithContentType(segment []byte) bool {
	line, _, _ := bytes.Cut(segment, []byte("\r\n"))
	key, _, ok := bytes.Cut(line, []byte(":"))
	return ok && strings.EqualFold(string(key), "content-type")
}

// parseHeaders reads "key: value" lines. Keys are case-insensitive; the
// content-type value is split into its media type and ;-delimited parameters.
func parseHeaders(block string) (string, map[string]string) {
	var contentType string
	var params map[string]string
	for _, line := range strings.Split(block, "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(key), "content-type") {
			continue
		}
		fields := strings.Split(value, ";")
		contentType = strings.ToLower(strings.TrimSpace(fields[0]))
		for _, f := range fields[1:] {
			k, v, _ := strings.Cut(f, "=")
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				continue
			}
			if params == nil {
				params = make(map[string]string)
			}
			params[k] = strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return contentType, params
}
