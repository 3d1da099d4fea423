// Package frame implements the boundary-delimited multipart stream that carries
// interleaved assistant text, synthesized audio and tool-call batches over one
// HTTP response body.
//
// Wire format, one frame:
//
//	\r\n<BOUNDARY>\r\n[Content-Type: <type>[; <param>=<value>]*\r\n\r\n]<body>
//
// Frames are concatenated with no other separator. The stream ends with a
// header-less boundary followed by transport close.
package frame

import (
	"encoding/json"
	"strings"
)

// DefaultBoundary is the boundary token shared by server and client.
const DefaultBoundary = "----MultipartStreamBoundary"

// Content types used on the wire.
const (
	ContentTypeText     = "text/plain"
	ContentTypeUserText = "text/plain; role=user"
	ContentTypeAudio    = "audio/binary"
	ContentTypeJSON     = "application/json"
)

// ContentTypeTextUser marks decoded text that originated from the user's
// transcribed speech rather than from the assistant.
const ContentTypeTextUser = "text/plain+user"

// Part is one decoded frame.
type Part struct {
	ContentType string
	Params      map[string]string
	// Body holds the raw frame body for every content type.
	Body []byte
	// Text is set for text and unrecognized content types.
	Text string
	// Value is set for application/json.
	Value any

	terminal bool
}

// Terminal reports whether p is the end-of-stream marker returned by Flush.
// Decoded frames are never terminal, however empty.
func (p Part) Terminal() bool { return p.terminal }

// IsText reports whether p is assistant text.
func (p Part) IsText() bool { return p.ContentType == ContentTypeText }

// IsUserText reports whether p is transcribed user speech.
func (p Part) IsUserText() bool { return p.ContentType == ContentTypeTextUser }

// IsAudio reports whether p carries synthesized audio.
func (p Part) IsAudio() bool { return IsAudioType(p.ContentType) }

// IsJSON reports whether p carries a structured value.
func (p Part) IsJSON() bool { return p.ContentType == ContentTypeJSON }

// DecodeJSON unmarshals the body of a JSON part into v.
func (p Part) DecodeJSON(v any) error {
	return json.Unmarshal(p.Body, v)
}

// IsTextType reports whether contentType belongs to the text/plain family,
// parameters included.
func IsTextType(contentType string) bool {
	return strings.HasPrefix(contentType, ContentTypeText)
}

// IsAudioType reports whether contentType is any audio media type.
func IsAudioType(contentType string) bool {
	return strings.HasPrefix(contentType, "audio/")
}
