package protocol

import (
	"fmt"
	"sync"
)

// BackendHandler executes routed requests. Implementations own all
// bookkeeping about what is running; the Backend keeps none.
type BackendHandler interface {
	BeginCommand(blockFor BlockFor, process WriteProcess, cmd Command) error
	CancelCommand(id ProcessID) error
	BeginRemote(id RemoteID, cmd Command) error
	OpenFile(id WritePipe, path string) error
	EndRemote(id RemoteID) error
	ListDirectory(id uint64, path string) error
	FinishEdit(id uint64, data []byte) error
	// PipeData delivers bytes the controller wrote. Zero-length data marks
	// end of stream.
	PipeData(id uint64, data []byte) error
	// PipeRead is a flow-control hint; it never caps what may be sent.
	PipeRead(id uint64, countBytes uint64) error
}

// Route dispatches the request to h. The wire process of a BeginCommand is
// typed from the executor's side: it reads stdin and writes stdout and
// stderr.
func (r Request) Route(h BackendHandler) error {
	switch p := r.Message.p.(type) {
	case beginCommand:
		process := WriteProcess{
			ID:     p.Process.ID,
			Stdin:  ReadPipe{id: p.Process.Stdin},
			Stdout: WritePipe{id: p.Process.Stdout},
			Stderr: WritePipe{id: p.Process.Stderr},
		}
		return h.BeginCommand(p.BlockFor, process, p.Command)
	case cancelCommand:
		return h.CancelCommand(p.ID)
	case beginRemote:
		return h.BeginRemote(p.ID, p.Command)
	case openFile:
		return h.OpenFile(WritePipe{id: p.ID}, p.Path)
	case endRemote:
		return h.EndRemote(p.ID)
	case listDirectory:
		return h.ListDirectory(p.ID, p.Path)
	case finishEdit:
		return h.FinishEdit(p.ID, p.Data)
	case pipeData:
		return h.PipeData(p.ID, p.Data)
	case pipeRead:
		return h.PipeRead(p.ID, p.CountBytes)
	}
	return ErrEmptyPayload
}

// Backend is the executing side of the protocol. It emits the responses an
// executor produces; every response is addressed to Root because responses
// flow up toward the controller owning the physical link.
//
// A Backend is safe for concurrent use: executors emit from one goroutine
// per stream.
type Backend struct {
	trans Transport
	codec Codec
	mu    sync.Mutex
}

// NewBackend creates a Backend sending through t.
func NewBackend(t Transport, opts ...Option) *Backend {
	o := buildOptions(opts)
	return &Backend{trans: t, codec: o.codec}
}

// Codec returns the wire codec responses are encoded with.
func (b *Backend) Codec() Codec { return b.codec }

func (b *Backend) emit(p responsePayload) error {
	return b.Forward(Response{RemoteID: Root, Message: ResponseEnvelope{p: p}})
}

// Forward re-emits a response received from a nested hop unchanged.
func (b *Backend) Forward(resp Response) error {
	data, err := b.codec.Marshal(&resp)
	if err != nil {
		return fmt.Errorf("%s: encoding response: %w", resp.Kind(), err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.trans.Send(data); err != nil {
		return &TransportError{Op: resp.Kind(), Err: err}
	}
	return nil
}

// Pipe emits output written to id. Zero-length data marks end of stream.
func (b *Backend) Pipe(id WritePipe, data []byte) error {
	return b.emit(pipeData{ID: id.id, Data: nonNil(data)})
}

// PipeRead tells the controller the executor will accept up to countBytes
// on id.
func (b *Backend) PipeRead(id ReadPipe, countBytes uint64) error {
	return b.emit(pipeRead{ID: id.id, CountBytes: countBytes})
}

// CommandDone reports that a process finished with exitCode.
func (b *Backend) CommandDone(id ProcessID, exitCode int64) error {
	return b.emit(commandDone{ID: id, ExitCode: exitCode})
}

// DirectoryListing answers a ListDirectory request.
func (b *Backend) DirectoryListing(id uint64, items []string) error {
	if items == nil {
		items = []string{}
	}
	return b.emit(directoryListing{ID: id, Items: items})
}

// EditRequest asks the controller to edit data on behalf of commandID. The
// edited content comes back as FinishEdit with editID.
func (b *Backend) EditRequest(commandID ProcessID, editID uint64, name string, data []byte) error {
	return b.emit(editRequest{CommandID: commandID, EditID: editID, Name: name, Data: nonNil(data)})
}
