package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codewiresh/hopwire/internal/connection"
	"github.com/codewiresh/hopwire/internal/protocol"
)

// ErrClosed is returned by waits that were still pending when the node
// connection ended.
var ErrClosed = errors.New("connection to node closed")

// inputChunk bounds a single stdin PipeData message.
const inputChunk = 32 * 1024

// Editor edits file content on behalf of a remote Edit command. It returns
// the new content.
type Editor interface {
	Edit(name string, data []byte) ([]byte, error)
}

// EditorFunc adapts a function to Editor.
type EditorFunc func(name string, data []byte) ([]byte, error)

func (f EditorFunc) Edit(name string, data []byte) ([]byte, error) { return f(name, data) }

type procState struct {
	done chan struct{}
	code int64
}

// Session is one controller connection. It owns the Endpoint, reads
// responses in the background and routes them to the writers registered per
// process.
type Session struct {
	ID string

	ep     *protocol.Endpoint
	trans  connection.Transport
	reader connection.ResponseReader
	editor Editor

	mu       sync.Mutex
	outputs  map[uint64]io.Writer
	procs    map[protocol.ProcessID]*procState
	listings map[uint64]chan []string

	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

// NewSession starts a session over an established connection. A nil editor
// hands edit requests back unchanged.
func NewSession(trans connection.Transport, reader connection.ResponseReader, codec protocol.Codec, editor Editor) *Session {
	if codec == nil {
		codec = protocol.JSONLines
	}
	s := &Session{
		ID:       uuid.NewString(),
		trans:    trans,
		reader:   reader,
		editor:   editor,
		outputs:  make(map[uint64]io.Writer),
		procs:    make(map[protocol.ProcessID]*procState),
		listings: make(map[uint64]chan []string),
		closed:   make(chan struct{}),
	}
	s.ep = protocol.NewEndpoint(trans, s, protocol.WithCodec(codec))
	go s.receive()
	return s
}

// Dial connects to target and starts a session on the connection.
func Dial(ctx context.Context, target *Target, editor Editor) (*Session, error) {
	trans, reader, err := target.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return NewSession(trans, reader, target.codec(), editor), nil
}

// Endpoint exposes the underlying protocol endpoint.
func (s *Session) Endpoint() *protocol.Endpoint { return s.ep }

// Done is closed once the node connection has ended.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err returns why the connection ended, or nil while it is open.
func (s *Session) Err() error {
	select {
	case <-s.closed:
		return s.err
	default:
		return nil
	}
}

func (s *Session) receive() {
	for {
		resp, err := s.reader.ReadResponse()
		if err != nil {
			s.shutdown(fmt.Errorf("reading response: %w", err))
			return
		}
		if resp == nil {
			s.shutdown(ErrClosed)
			return
		}
		if err := s.ep.Receive(*resp); err != nil {
			slog.Debug("response dropped", "kind", resp.Kind(), "err", err)
		}
	}
}

func (s *Session) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.closed)
	})
}

// Close ends the connection. Processes still running on the node are
// cancelled by the node when it sees the connection go.
func (s *Session) Close() error {
	s.shutdown(ErrClosed)
	err := s.trans.Close()
	// Both may share one socket; the second close is expected to fail.
	_ = s.reader.Close()
	return err
}

// Chain opens each hop in turn, nesting every one inside the previous, and
// returns the innermost remote. An empty chain is the root.
func (s *Session) Chain(hops ...protocol.Command) (protocol.RemoteID, error) {
	remote := protocol.Root
	for _, hop := range hops {
		next, err := s.ep.Remote(remote, hop)
		if err != nil {
			return 0, fmt.Errorf("opening %s: %w", hop, err)
		}
		remote = next
	}
	return remote, nil
}

// Start runs cmd in remote. Output goes to stdout and stderr; nil writers
// discard it. A non-nil redirect sends stdout to that file stream instead.
func (s *Session) Start(remote protocol.RemoteID, cmd protocol.Command, blockFor protocol.BlockFor, redirect *protocol.Handle, stdout, stderr io.Writer) (protocol.ReadProcess, error) {
	// Hold mu across Command so output arriving early finds its writer.
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, err := s.ep.Command(remote, cmd, blockFor, redirect)
	if err != nil && !protocol.IsTransport(err) {
		return proc, err
	}
	s.procs[proc.ID] = &procState{done: make(chan struct{})}
	if redirect == nil && stdout != nil {
		s.outputs[proc.Stdout.ID()] = stdout
	}
	if stderr != nil {
		s.outputs[proc.Stderr.ID()] = stderr
	}
	return proc, err
}

// Input copies r into the process's stdin and then closes it.
func (s *Session) Input(proc protocol.ReadProcess, r io.Reader) error {
	buf := make([]byte, inputChunk)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := s.ep.Write(proc.Stdin, buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading input: %w", readErr)
		}
	}
	return s.CloseInput(proc)
}

// CloseInput ends the process's stdin.
func (s *Session) CloseInput(proc protocol.ReadProcess) error {
	return s.ep.Write(proc.Stdin, nil)
}

// Cancel asks the node to stop the process.
func (s *Session) Cancel(proc protocol.ReadProcess) error {
	return s.ep.CloseProcess(proc.ID)
}

// Wait blocks until the process has finished and returns its exit code.
func (s *Session) Wait(ctx context.Context, id protocol.ProcessID) (int64, error) {
	s.mu.Lock()
	st, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("wait %s: %w", id, protocol.ErrUnknownProcess)
	}
	select {
	case <-st.done:
		return st.code, nil
	case <-s.closed:
		// CommandDone may have raced the close.
		select {
		case <-st.done:
			return st.code, nil
		default:
		}
		return 0, fmt.Errorf("wait %s: %w", id, s.err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// List returns the entries of path on remote. Directories carry a trailing
// slash.
func (s *Session) List(ctx context.Context, remote protocol.RemoteID, path string) ([]string, error) {
	ch := make(chan []string, 1)
	// Same ordering concern as Start.
	s.mu.Lock()
	id, err := s.ep.ListDirectory(remote, path)
	if err == nil {
		s.listings[id] = ch
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer func() {
		s.mu.Lock()
		delete(s.listings, id)
		s.mu.Unlock()
	}()

	select {
	case items := <-ch:
		return items, nil
	case <-s.closed:
		return nil, fmt.Errorf("list %s: %w", path, s.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// protocol.EndpointHandler
// ---------------------------------------------------------------------------

func (s *Session) CommandDone(_ *protocol.Endpoint, id protocol.ProcessID, exitCode int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.procs[id]
	if !ok {
		return fmt.Errorf("command done for %s: %w", id, protocol.ErrUnknownProcess)
	}
	select {
	case <-st.done:
	default:
		st.code = exitCode
		close(st.done)
	}
	return nil
}

func (s *Session) DirectoryListing(_ *protocol.Endpoint, id uint64, items []string) error {
	s.mu.Lock()
	ch, ok := s.listings[id]
	s.mu.Unlock()
	if ok {
		ch <- items
	}
	return nil
}

func (s *Session) EditRequest(ep *protocol.Endpoint, editID uint64, commandID protocol.ProcessID, name string, data []byte) error {
	if s.editor == nil {
		return ep.FinishEdit(commandID, editID, data)
	}
	// Editors are interactive; keep the receive loop moving.
	go func() {
		edited, err := s.editor.Edit(name, data)
		if err != nil {
			slog.Error("edit failed, keeping original", "file", name, "err", err)
			edited = data
		}
		if err := ep.FinishEdit(commandID, editID, edited); err != nil {
			slog.Error("finishing edit", "file", name, "err", err)
		}
	}()
	return nil
}

func (s *Session) Pipe(_ *protocol.Endpoint, id protocol.ReadPipe, data []byte) error {
	s.mu.Lock()
	w, ok := s.outputs[id.ID()]
	if len(data) == 0 {
		delete(s.outputs, id.ID())
	}
	s.mu.Unlock()
	if !ok || len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func (s *Session) PipeRead(*protocol.Endpoint, protocol.WritePipe, uint64) error { return nil }
