package protocol

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Transport delivers one encoded message to the peer.
type Transport interface {
	Send(msg []byte) error
}

// EndpointHandler receives the responses an Endpoint demultiplexes. Each
// callback gets the Endpoint so it can issue follow-up requests.
type EndpointHandler interface {
	CommandDone(e *Endpoint, id ProcessID, exitCode int64) error
	DirectoryListing(e *Endpoint, id uint64, items []string) error
	EditRequest(e *Endpoint, editID uint64, commandID ProcessID, name string, data []byte) error
	// Pipe delivers output. Zero-length data marks end of stream; the pipe
	// is released after the callback returns.
	Pipe(e *Endpoint, id ReadPipe, data []byte) error
	// PipeRead tells the controller the remote side will accept up to
	// countBytes on id. It is a hint only.
	PipeRead(e *Endpoint, id WritePipe, countBytes uint64) error
}

type pipeKind int

const (
	// pipeReadable carries data toward the controller (stdout, stderr).
	pipeReadable pipeKind = iota
	// pipeWritable carries data away from the controller (stdin).
	pipeWritable
	// pipeFile is an open file stream waiting to be used as a redirect.
	pipeFile
)

type pipeState struct {
	kind    pipeKind
	remote  RemoteID
	process ProcessID // zero for file pipes
}

type remoteState struct {
	parent *RemoteID
}

type processState struct {
	remote RemoteID
	stdin  uint64
	stdout uint64
	stderr uint64
	done   bool
	exit   int64
}

// Endpoint is the controller side of the protocol. It allocates every
// identifier, tracks open remotes, running processes and open pipes, and
// emits requests through its Transport.
//
// All methods are safe for concurrent use. Handler callbacks run without
// the internal lock held.
type Endpoint struct {
	trans   Transport
	handler EndpointHandler
	codec   Codec

	mu        sync.Mutex
	ids       ids
	remotes   map[RemoteID]*remoteState
	processes map[ProcessID]*processState
	pipes     map[uint64]pipeState
}

// Option configures an Endpoint or Backend.
type Option func(*options)

type options struct {
	codec Codec
}

// WithCodec selects the wire codec. The default is JSONLines.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

func buildOptions(opts []Option) options {
	o := options{codec: JSONLines}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewEndpoint creates an Endpoint with only the root remote open.
func NewEndpoint(t Transport, h EndpointHandler, opts ...Option) *Endpoint {
	o := buildOptions(opts)
	return &Endpoint{
		trans:     t,
		handler:   h,
		codec:     o.codec,
		ids:       ids{next: uint64(Root) + 1},
		remotes:   map[RemoteID]*remoteState{Root: {parent: nil}},
		processes: make(map[ProcessID]*processState),
		pipes:     make(map[uint64]pipeState),
	}
}

// Root returns the pre-existing root remote.
func (e *Endpoint) Root() RemoteID { return Root }

// send encodes and delivers a request. Callers hold e.mu so identifiers
// reach the wire in allocation order.
func (e *Endpoint) send(op string, remote RemoteID, p requestPayload) error {
	data, err := e.codec.Marshal(&Request{RemoteID: remote, Message: RequestEnvelope{p: p}})
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", op, err)
	}
	if err := e.trans.Send(data); err != nil {
		return &TransportError{Op: op, Err: err}
	}
	slog.Debug("request sent", "op", p.requestKind(), "remote", uint64(remote))
	return nil
}

func (e *Endpoint) requireRemote(remote RemoteID) error {
	if _, ok := e.remotes[remote]; !ok {
		return fmt.Errorf("%v: %w", remote, ErrUnknownRemote)
	}
	return nil
}

// Remote opens a nested remote inside parent. cmd describes how the nested
// context is established, e.g. which program is the next hop.
func (e *Endpoint) Remote(parent RemoteID, cmd Command) (RemoteID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireRemote(parent); err != nil {
		return 0, fmt.Errorf("open remote: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return 0, fmt.Errorf("open remote: %w", err)
	}

	id := RemoteID(e.ids.nextID())
	sendErr := e.send("open remote", parent, beginRemote{ID: id, Command: cmd})

	p := parent
	e.remotes[id] = &remoteState{parent: &p}
	return id, sendErr
}

// Command starts cmd inside remote once every dependency in blockFor has
// met its condition. With a non-nil redirect the process writes stdout into
// that file stream and the handle is consumed; otherwise a fresh stdout pipe
// is opened.
func (e *Endpoint) Command(remote RemoteID, cmd Command, blockFor BlockFor, redirect *Handle) (ReadProcess, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireRemote(remote); err != nil {
		return ReadProcess{}, fmt.Errorf("begin command: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return ReadProcess{}, fmt.Errorf("begin command: %w", err)
	}
	if redirect != nil {
		st, ok := e.pipes[redirect.id]
		if !ok || st.kind != pipeFile {
			return ReadProcess{}, fmt.Errorf("begin command: redirect %v: %w", *redirect, ErrHandleConsumed)
		}
	}

	id := ProcessID(e.ids.nextID())
	stdin := e.ids.nextID()
	var stdout uint64
	if redirect != nil {
		stdout = redirect.id
		delete(e.pipes, stdout)
	} else {
		stdout = e.ids.nextID()
		e.pipes[stdout] = pipeState{kind: pipeReadable, remote: remote, process: id}
	}
	stderr := e.ids.nextID()
	e.pipes[stdin] = pipeState{kind: pipeWritable, remote: remote, process: id}
	e.pipes[stderr] = pipeState{kind: pipeReadable, remote: remote, process: id}

	if blockFor == nil {
		blockFor = BlockFor{}
	}
	sendErr := e.send("begin command", remote, beginCommand{
		BlockFor: blockFor,
		Process:  abstractProcess{ID: id, Stdin: stdin, Stdout: stdout, Stderr: stderr},
		Command:  cmd,
	})

	e.processes[id] = &processState{remote: remote, stdin: stdin, stdout: stdout, stderr: stderr}

	proc := ReadProcess{
		ID:     id,
		Stdin:  WritePipe{id: stdin},
		Stdout: ReadPipe{id: stdout},
		Stderr: ReadPipe{id: stderr},
	}
	return proc, sendErr
}

// OpenFile opens path for writing inside remote. The returned handle can be
// passed once to Command as a stdout redirect.
func (e *Endpoint) OpenFile(remote RemoteID, path string) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireRemote(remote); err != nil {
		return Handle{}, fmt.Errorf("open file: %w", err)
	}

	id := e.ids.nextID()
	e.pipes[id] = pipeState{kind: pipeFile, remote: remote}
	return Handle{id: id}, e.send("open file", remote, openFile{ID: id, Path: path})
}

// ListDirectory asks remote to enumerate path. The returned id correlates
// the DirectoryListing callback.
func (e *Endpoint) ListDirectory(remote RemoteID, path string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireRemote(remote); err != nil {
		return 0, fmt.Errorf("list directory: %w", err)
	}

	id := e.ids.nextID()
	return id, e.send("list directory", remote, listDirectory{ID: id, Path: path})
}

// Write sends data into a process's stdin. Zero-length data closes the
// stream and releases the pipe.
func (e *Endpoint) Write(pipe WritePipe, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.pipes[pipe.id]
	if !ok || st.kind != pipeWritable {
		return fmt.Errorf("write %v: %w", pipe, ErrUnknownPipe)
	}
	if len(data) == 0 {
		delete(e.pipes, pipe.id)
	}
	return e.send("write pipe", st.remote, pipeData{ID: pipe.id, Data: nonNil(data)})
}

// Read tells the remote side the controller is ready for up to countBytes
// more on pipe.
func (e *Endpoint) Read(pipe ReadPipe, countBytes uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.pipes[pipe.id]
	if !ok || st.kind != pipeReadable {
		return fmt.Errorf("read %v: %w", pipe, ErrUnknownPipe)
	}
	return e.send("read pipe", st.remote, pipeRead{ID: pipe.id, CountBytes: countBytes})
}

// CloseRemote tears down a nested remote. Every remote nested below it,
// every process they own and every pipe bound to them is released locally;
// the single EndRemote tells the parent to tear the context down.
func (e *Endpoint) CloseRemote(remote RemoteID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.remotes[remote]
	if !ok {
		return fmt.Errorf("close remote: %v: %w", remote, ErrUnknownRemote)
	}
	if st.parent == nil {
		return fmt.Errorf("close remote: %w", ErrRootRemote)
	}
	parent := *st.parent

	closed := e.subtree(remote)
	for _, r := range closed {
		delete(e.remotes, r)
	}
	inClosed := make(map[RemoteID]bool, len(closed))
	for _, r := range closed {
		inClosed[r] = true
	}
	for id, p := range e.processes {
		if inClosed[p.remote] {
			delete(e.processes, id)
		}
	}
	for id, p := range e.pipes {
		if inClosed[p.remote] {
			delete(e.pipes, id)
		}
	}
	if len(closed) > 1 {
		slog.Debug("closed nested remotes", "remote", uint64(remote), "count", len(closed))
	}

	return e.send("close remote", parent, endRemote{ID: remote})
}

// subtree returns remote and every remote nested below it.
func (e *Endpoint) subtree(remote RemoteID) []RemoteID {
	out := []RemoteID{remote}
	for i := 0; i < len(out); i++ {
		for id, st := range e.remotes {
			if st.parent != nil && *st.parent == out[i] {
				out = append(out, id)
			}
		}
	}
	return out
}

// CloseProcess cancels a process and forgets it. Its stdin is released at
// once; stdout and stderr stay open until their end of stream arrives.
func (e *Endpoint) CloseProcess(id ProcessID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.processes[id]
	if !ok {
		return fmt.Errorf("close process: %v: %w", id, ErrUnknownProcess)
	}
	if err := e.requireRemote(p.remote); err != nil {
		return fmt.Errorf("close process: %w", err)
	}
	delete(e.processes, id)
	if st, ok := e.pipes[p.stdin]; ok && st.kind == pipeWritable {
		delete(e.pipes, p.stdin)
	}

	return e.send("close process", p.remote, cancelCommand{ID: id})
}

// FinishEdit returns edited content for the edit editID that commandID
// requested.
func (e *Endpoint) FinishEdit(commandID ProcessID, editID uint64, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.processes[commandID]
	if !ok {
		return fmt.Errorf("finish edit: %v: %w", commandID, ErrUnknownProcess)
	}
	if err := e.requireRemote(p.remote); err != nil {
		return fmt.Errorf("finish edit: %w", err)
	}
	return e.send("finish edit", p.remote, finishEdit{ID: editID, Data: nonNil(data)})
}

// Receive dispatches one response to the handler.
func (e *Endpoint) Receive(resp Response) error {
	switch p := resp.Message.p.(type) {
	case commandDone:
		e.mu.Lock()
		if st, ok := e.processes[p.ID]; ok {
			st.done = true
			st.exit = p.ExitCode
		}
		e.mu.Unlock()
		return e.handler.CommandDone(e, p.ID, p.ExitCode)

	case directoryListing:
		return e.handler.DirectoryListing(e, p.ID, p.Items)

	case editRequest:
		return e.handler.EditRequest(e, p.EditID, p.CommandID, p.Name, p.Data)

	case pipeData:
		e.mu.Lock()
		st, ok := e.pipes[p.ID]
		e.mu.Unlock()
		if !ok || st.kind != pipeReadable {
			return fmt.Errorf("pipe data for pipe/%d: %w", p.ID, ErrUnknownPipe)
		}
		err := e.handler.Pipe(e, ReadPipe{id: p.ID}, p.Data)
		if len(p.Data) == 0 {
			e.mu.Lock()
			delete(e.pipes, p.ID)
			e.mu.Unlock()
		}
		return err

	case pipeRead:
		e.mu.Lock()
		st, ok := e.pipes[p.ID]
		e.mu.Unlock()
		if !ok || st.kind != pipeWritable {
			return fmt.Errorf("pipe read for pipe/%d: %w", p.ID, ErrUnknownPipe)
		}
		return e.handler.PipeRead(e, WritePipe{id: p.ID}, p.CountBytes)
	}
	return ErrEmptyPayload
}

// Parent returns the parent of an open remote. ok is false for the root and
// for remotes that are not open.
func (e *Endpoint) Parent(remote RemoteID) (RemoteID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.remotes[remote]
	if !ok || st.parent == nil {
		return 0, false
	}
	return *st.parent, true
}

// Remotes lists the open remotes in ascending order, root first.
func (e *Endpoint) Remotes() []RemoteID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RemoteID, 0, len(e.remotes))
	for id := range e.remotes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProcessRemote returns the remote owning a registered process.
func (e *Endpoint) ProcessRemote(id ProcessID) (RemoteID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.processes[id]
	if !ok {
		return 0, false
	}
	return p.remote, true
}

// ExitCode returns the exit code of a registered process once CommandDone
// has been received for it.
func (e *Endpoint) ExitCode(id ProcessID) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.processes[id]
	if !ok || !p.done {
		return 0, false
	}
	return p.exit, true
}

// PipeOpen reports whether a pipe id is in the open set.
func (e *Endpoint) PipeOpen(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pipes[id]
	return ok
}
