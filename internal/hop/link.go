// Package hop opens links to the next node in a remote chain. A link speaks
// the request/response protocol over a byte stream: the stdio of a local
// process or an SSH session running "hw serve --stdio" on the far side.
package hop

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/codewiresh/hopwire/internal/connection"
	"github.com/codewiresh/hopwire/internal/protocol"
)

// ErrNotDialable is returned for commands that cannot start a hop.
var ErrNotDialable = errors.New("command cannot start a hop")

// Link is an open connection to the next hop.
type Link interface {
	// Send delivers one request to the hop.
	Send(req protocol.Request) error
	// Recv returns the next response, or (nil, nil) once the hop closed.
	Recv() (*protocol.Response, error)
	Close() error
}

// StreamLink is a Link over a pair of byte streams.
type StreamLink struct {
	codec  protocol.Codec
	trans  *connection.StreamTransport
	reader *connection.StreamReader

	closeOnce sync.Once
	closeErr  error
	onClose   func() error
}

// NewStreamLink speaks the protocol over r and w with codec, optionally
// zstd-compressed. onClose runs once after the write side is closed.
func NewStreamLink(r io.Reader, w io.WriteCloser, codec protocol.Codec, compress bool, onClose func() error) (*StreamLink, error) {
	cr, cw, err := connection.Wrap(r, w, compress)
	if err != nil {
		return nil, fmt.Errorf("wrapping hop stream: %w", err)
	}
	return &StreamLink{
		codec:   codec,
		trans:   connection.NewStreamTransport(cw, w),
		reader:  connection.NewStreamReader(cr, codec, nil),
		onClose: onClose,
	}, nil
}

func (l *StreamLink) Send(req protocol.Request) error {
	data, err := l.codec.Marshal(&req)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", req.Kind(), err)
	}
	if err := l.trans.Send(data); err != nil {
		return &protocol.TransportError{Op: req.Kind(), Err: err}
	}
	return nil
}

func (l *StreamLink) Recv() (*protocol.Response, error) {
	return l.reader.ReadResponse()
}

// Close ends the request stream, which tells the far side to shut down,
// then releases whatever started the hop.
func (l *StreamLink) Close() error {
	l.closeOnce.Do(func() {
		errs := []error{l.trans.Close()}
		if l.onClose != nil {
			errs = append(errs, l.onClose())
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}
