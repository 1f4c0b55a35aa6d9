package connection

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/codewiresh/hopwire/internal/protocol"
)

// flusher is implemented by buffering writers such as the zstd encoder.
type flusher interface {
	Flush() error
}

// StreamTransport sends encoded messages over a byte stream such as a Unix
// socket, a child process's stdin or an SSH channel. It is safe for
// concurrent use.
type StreamTransport struct {
	w      io.Writer
	closer io.Closer
	mu     sync.Mutex
}

// NewStreamTransport wraps w. If c is non-nil Close closes it.
func NewStreamTransport(w io.Writer, c io.Closer) *StreamTransport {
	return &StreamTransport{w: w, closer: c}
}

// Send writes one message and flushes buffering writers so the record is on
// the wire before Send returns.
func (t *StreamTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if f, ok := t.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing message: %w", err)
		}
	}
	return nil
}

// Close closes the underlying stream.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	if c, ok := t.w.(io.Closer); ok && any(t.w) != any(t.closer) {
		errs = append(errs, c.Close())
	}
	if t.closer != nil {
		errs = append(errs, t.closer.Close())
	}
	return errors.Join(errs...)
}

// StreamReader decodes requests or responses from a byte stream.
type StreamReader struct {
	dec    protocol.Decoder
	closer io.Closer
}

// NewStreamReader decodes records from r with codec. If c is non-nil Close
// closes it.
func NewStreamReader(r io.Reader, codec protocol.Codec, c io.Closer) *StreamReader {
	return &StreamReader{dec: codec.NewDecoder(r), closer: c}
}

// ReadRequest decodes the next request. Returns (nil, nil) on clean EOF.
func (r *StreamReader) ReadRequest() (*protocol.Request, error) {
	var req protocol.Request
	if err := r.dec.Decode(&req); err != nil {
		return nil, decodeErr(err)
	}
	return &req, nil
}

// ReadResponse decodes the next response. Returns (nil, nil) on clean EOF.
func (r *StreamReader) ReadResponse() (*protocol.Response, error) {
	var resp protocol.Response
	if err := r.dec.Decode(&resp); err != nil {
		return nil, decodeErr(err)
	}
	return &resp, nil
}

// decodeErr maps a clean end of stream to nil. A stream that stops inside
// a record is an error.
func decodeErr(err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("stream ended mid-record: %w", err)
	}
	return err
}

// Close closes the underlying stream.
func (r *StreamReader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
