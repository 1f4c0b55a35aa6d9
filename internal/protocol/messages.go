package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Request is a message from the controller, addressed to the remote context
// it should execute within.
type Request struct {
	RemoteID RemoteID        `json:"remote_id"`
	Message  RequestEnvelope `json:"message"`
}

// Response is a message toward the controller. RemoteID is always Root.
type Response struct {
	RemoteID RemoteID         `json:"remote_id"`
	Message  ResponseEnvelope `json:"message"`
}

// RequestEnvelope wraps a request payload. The payload variants are only
// reachable through Endpoint operations and Backend routing.
type RequestEnvelope struct{ p requestPayload }

// ResponseEnvelope wraps a response payload.
type ResponseEnvelope struct{ p responsePayload }

type requestPayload interface{ requestKind() string }

type responsePayload interface{ responseKind() string }

type abstractProcess struct {
	ID     ProcessID `json:"id"`
	Stdin  uint64    `json:"stdin"`
	Stdout uint64    `json:"stdout"`
	Stderr uint64    `json:"stderr"`
}

type beginCommand struct {
	BlockFor BlockFor        `json:"block_for"`
	Process  abstractProcess `json:"process"`
	Command  Command         `json:"command"`
}

type cancelCommand struct {
	ID ProcessID `json:"id"`
}

type beginRemote struct {
	ID      RemoteID `json:"id"`
	Command Command  `json:"command"`
}

type openFile struct {
	ID   uint64 `json:"id"`
	Path string `json:"path"`
}

type endRemote struct {
	ID RemoteID `json:"id"`
}

type listDirectory struct {
	ID   uint64 `json:"id"`
	Path string `json:"path"`
}

type finishEdit struct {
	ID   uint64 `json:"id"`
	Data []byte `json:"data"`
}

// pipeData and pipeRead travel in both directions.
type pipeData struct {
	ID   uint64 `json:"id"`
	Data []byte `json:"data"`
}

type pipeRead struct {
	ID         uint64 `json:"id"`
	CountBytes uint64 `json:"count_bytes"`
}

type commandDone struct {
	ID       ProcessID `json:"id"`
	ExitCode int64     `json:"exit_code"`
}

type directoryListing struct {
	ID    uint64   `json:"id"`
	Items []string `json:"items"`
}

type editRequest struct {
	CommandID ProcessID `json:"command_id"`
	EditID    uint64    `json:"edit_id"`
	Name      string    `json:"name"`
	Data      []byte    `json:"data"`
}

func (beginCommand) requestKind() string  { return "BeginCommand" }
func (cancelCommand) requestKind() string { return "CancelCommand" }
func (beginRemote) requestKind() string   { return "BeginRemote" }
func (openFile) requestKind() string      { return "OpenFile" }
func (endRemote) requestKind() string     { return "EndRemote" }
func (listDirectory) requestKind() string { return "ListDirectory" }
func (finishEdit) requestKind() string    { return "FinishEdit" }
func (pipeData) requestKind() string      { return "PipeData" }
func (pipeRead) requestKind() string      { return "PipeRead" }

func (commandDone) responseKind() string      { return "CommandDone" }
func (directoryListing) responseKind() string { return "DirectoryListing" }
func (editRequest) responseKind() string      { return "EditRequest" }
func (pipeData) responseKind() string         { return "PipeData" }
func (pipeRead) responseKind() string         { return "PipeRead" }

// requestWire is the externally tagged form of a request payload.
type requestWire struct {
	BeginCommand  *beginCommand  `json:"BeginCommand,omitempty"`
	CancelCommand *cancelCommand `json:"CancelCommand,omitempty"`
	BeginRemote   *beginRemote   `json:"BeginRemote,omitempty"`
	OpenFile      *openFile      `json:"OpenFile,omitempty"`
	EndRemote     *endRemote     `json:"EndRemote,omitempty"`
	ListDirectory *listDirectory `json:"ListDirectory,omitempty"`
	FinishEdit    *finishEdit    `json:"FinishEdit,omitempty"`
	PipeData      *pipeData      `json:"PipeData,omitempty"`
	PipeRead      *pipeRead      `json:"PipeRead,omitempty"`
}

type responseWire struct {
	CommandDone      *commandDone      `json:"CommandDone,omitempty"`
	DirectoryListing *directoryListing `json:"DirectoryListing,omitempty"`
	EditRequest      *editRequest      `json:"EditRequest,omitempty"`
	PipeData         *pipeData         `json:"PipeData,omitempty"`
	PipeRead         *pipeRead         `json:"PipeRead,omitempty"`
}

func (e RequestEnvelope) wire() (requestWire, error) {
	var w requestWire
	switch p := e.p.(type) {
	case beginCommand:
		w.BeginCommand = &p
	case cancelCommand:
		w.CancelCommand = &p
	case beginRemote:
		w.BeginRemote = &p
	case openFile:
		w.OpenFile = &p
	case endRemote:
		w.EndRemote = &p
	case listDirectory:
		w.ListDirectory = &p
	case finishEdit:
		w.FinishEdit = &p
	case pipeData:
		w.PipeData = &p
	case pipeRead:
		w.PipeRead = &p
	default:
		return w, ErrEmptyPayload
	}
	return w, nil
}

func (e *RequestEnvelope) fromWire(w requestWire) error {
	var found []requestPayload
	if w.BeginCommand != nil {
		p := *w.BeginCommand
		if p.BlockFor == nil {
			p.BlockFor = BlockFor{}
		}
		found = append(found, p)
	}
	if w.CancelCommand != nil {
		found = append(found, *w.CancelCommand)
	}
	if w.BeginRemote != nil {
		found = append(found, *w.BeginRemote)
	}
	if w.OpenFile != nil {
		found = append(found, *w.OpenFile)
	}
	if w.EndRemote != nil {
		found = append(found, *w.EndRemote)
	}
	if w.ListDirectory != nil {
		found = append(found, *w.ListDirectory)
	}
	if w.FinishEdit != nil {
		p := *w.FinishEdit
		p.Data = nonNil(p.Data)
		found = append(found, p)
	}
	if w.PipeData != nil {
		p := *w.PipeData
		p.Data = nonNil(p.Data)
		found = append(found, p)
	}
	if w.PipeRead != nil {
		found = append(found, *w.PipeRead)
	}
	if len(found) != 1 {
		return fmt.Errorf("request envelope carries %d variants, want 1", len(found))
	}
	e.p = found[0]
	return nil
}

func (e ResponseEnvelope) wire() (responseWire, error) {
	var w responseWire
	switch p := e.p.(type) {
	case commandDone:
		w.CommandDone = &p
	case directoryListing:
		w.DirectoryListing = &p
	case editRequest:
		w.EditRequest = &p
	case pipeData:
		w.PipeData = &p
	case pipeRead:
		w.PipeRead = &p
	default:
		return w, ErrEmptyPayload
	}
	return w, nil
}

func (e *ResponseEnvelope) fromWire(w responseWire) error {
	var found []responsePayload
	if w.CommandDone != nil {
		found = append(found, *w.CommandDone)
	}
	if w.DirectoryListing != nil {
		p := *w.DirectoryListing
		if p.Items == nil {
			p.Items = []string{}
		}
		found = append(found, p)
	}
	if w.EditRequest != nil {
		p := *w.EditRequest
		p.Data = nonNil(p.Data)
		found = append(found, p)
	}
	if w.PipeData != nil {
		p := *w.PipeData
		p.Data = nonNil(p.Data)
		found = append(found, p)
	}
	if w.PipeRead != nil {
		found = append(found, *w.PipeRead)
	}
	if len(found) != 1 {
		return fmt.Errorf("response envelope carries %d variants, want 1", len(found))
	}
	e.p = found[0]
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (e RequestEnvelope) MarshalJSON() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (e *RequestEnvelope) UnmarshalJSON(b []byte) error {
	var w requestWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	return e.fromWire(w)
}

func (e RequestEnvelope) MarshalCBOR() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return cborEnc.Marshal(w)
}

func (e *RequestEnvelope) UnmarshalCBOR(b []byte) error {
	var w requestWire
	if err := cborDec.Unmarshal(b, &w); err != nil {
		return err
	}
	return e.fromWire(w)
}

func (e ResponseEnvelope) MarshalJSON() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (e *ResponseEnvelope) UnmarshalJSON(b []byte) error {
	var w responseWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	return e.fromWire(w)
}

func (e ResponseEnvelope) MarshalCBOR() ([]byte, error) {
	w, err := e.wire()
	if err != nil {
		return nil, err
	}
	return cborEnc.Marshal(w)
}

func (e *ResponseEnvelope) UnmarshalCBOR(b []byte) error {
	var w responseWire
	if err := cborDec.Unmarshal(b, &w); err != nil {
		return err
	}
	return e.fromWire(w)
}

// Kind names the payload variant, for logging.
func (r Request) Kind() string {
	if r.Message.p == nil {
		return "Empty"
	}
	return r.Message.p.requestKind()
}

// Kind names the payload variant, for logging.
func (r Response) Kind() string {
	if r.Message.p == nil {
		return "Empty"
	}
	return r.Message.p.responseKind()
}

// Equal reports whether two requests carry the same address and payload.
func (r Request) Equal(o Request) bool {
	return r.RemoteID == o.RemoteID && reflect.DeepEqual(r.Message.p, o.Message.p)
}

// Equal reports whether two responses carry the same address and payload.
func (r Response) Equal(o Response) bool {
	return r.RemoteID == o.RemoteID && reflect.DeepEqual(r.Message.p, o.Message.p)
}

// ScopeChange tells a router whether a request opens or closes a nested
// remote.
type ScopeChange int

const (
	ScopeNone ScopeChange = iota
	ScopeBegin
	ScopeEnd
)

// Scope reports the nested remote a request creates or tears down.
func (r Request) Scope() (RemoteID, ScopeChange) {
	switch p := r.Message.p.(type) {
	case beginRemote:
		return p.ID, ScopeBegin
	case endRemote:
		return p.ID, ScopeEnd
	}
	return 0, ScopeNone
}

// Retarget returns a copy of r addressed to id.
func (r Request) Retarget(id RemoteID) Request {
	r.RemoteID = id
	return r
}
