package frame

import (
	"errors"
	"fmt"
)

// ErrorKind classifies stream errors.
type ErrorKind int

const (
	// KindMalformedFrame is a delimited frame whose headers cannot be separated from its body.
	KindMalformedFrame ErrorKind = iota
	// KindUnterminatedStream is input left in the decode buffer at end of stream.
	KindUnterminatedStream
	// KindStructuredDecode is an application/json body that does not parse.
	KindStructuredDecode
	// KindUnknownContentType is informational; unknown parts are passed through.
	KindUnknownContentType
	// KindTransport is a write or read failure on the underlying connection.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedFrame:
		return "malformed frame"
	case KindUnterminatedStream:
		return "unterminated stream"
	case KindStructuredDecode:
		return "structured decode failure"
	case KindUnknownContentType:
		return "unknown content type"
	case KindTransport:
		return "transport error"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against *Error.
var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnterminatedStream = errors.New("unterminated stream")
	ErrStructuredDecode   = errors.New("structured decode failure")
	ErrUnknownContentType = errors.New("unknown content type")
	ErrTransport          = errors.New("transport error")
)

// Error is a stream error with a kind.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrMalformedFrame:
		return e.Kind == KindMalformedFrame
	case ErrUnterminatedStream:
		return e.Kind == KindUnterminatedStream
	case ErrStructuredDecode:
		return e.Kind == KindStructuredDecode
	case ErrUnknownContentType:
		return e.Kind == KindUnknownContentType
	case ErrTransport:
		return e.Kind == KindTransport
	}
	return false
}

// IsFatal reports whether err terminates the stream.
func IsFatal(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind != KindUnknownContentType
	}
	return err != nil
}
