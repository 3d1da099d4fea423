package client

import (
	"errors"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-stream/internal/frame"
)

const readBufferSize = 32 * 1024

// Reader pulls parts out of a part stream, whatever the sizes of the reads
// delivered by the transport.
type Reader struct {
	src     io.Reader
	dec     *frame.Decoder
	buf     []byte
	pending []frame.Part
	err     error
}

func NewReader(src io.Reader, boundary string, logger *slog.Logger) *Reader {
	return &Reader{
		src: src,
		dec: frame.NewDecoder(boundary, logger),
		buf: make([]byte, readBufferSize),
	}
}

// Next returns the next part. It returns io.EOF after a cleanly terminated
// stream. On a truncated or corrupt stream every part decoded before the
// damage is returned first, then the decode error.
func (r *Reader) Next() (frame.Part, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return frame.Part{}, r.err
		}
		r.fill()
	}
	p := r.pending[0]
	r.pending[0] = frame.Part{}
	r.pending = r.pending[1:]
	return p, nil
}

func (r *Reader) fill() {
	n, err := r.src.Read(r.buf)
	if n > 0 {
		parts, derr := r.dec.Decode(r.buf[:n])
		r.pending = append(r.pending, parts...)
		if derr != nil {
			r.err = derr
			return
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		if _, ferr := r.dec.Flush(); ferr != nil {
			r.err = ferr
			return
		}
		r.err = io.EOF
	case err != nil:
		r.err = &frame.Error{Kind: frame.KindTransport, Msg: "read stream", Err: err}
	}
}
