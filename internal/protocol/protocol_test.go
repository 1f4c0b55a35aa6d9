package protocol

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// memTransport records every message sent through it.
type memTransport struct {
	msgs [][]byte
	err  error
}

func (m *memTransport) Send(msg []byte) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, append([]byte(nil), msg...))
	return nil
}

func (m *memTransport) requests(t *testing.T) []Request {
	t.Helper()
	var out []Request
	for _, msg := range m.msgs {
		var req Request
		if err := JSONLines.NewDecoder(bytes.NewReader(msg)).Decode(&req); err != nil {
			t.Fatalf("decoding request %q: %v", msg, err)
		}
		out = append(out, req)
	}
	return out
}

func (m *memTransport) responses(t *testing.T) []Response {
	t.Helper()
	var out []Response
	for _, msg := range m.msgs {
		var resp Response
		if err := JSONLines.NewDecoder(bytes.NewReader(msg)).Decode(&resp); err != nil {
			t.Fatalf("decoding response %q: %v", msg, err)
		}
		out = append(out, resp)
	}
	return out
}

type pipeEvent struct {
	id   uint64
	data string
}

// recordingHandler captures endpoint callbacks.
type recordingHandler struct {
	done     map[ProcessID]int64
	listings map[uint64][]string
	edits    []editRequest
	pipes    []pipeEvent
	reads    map[uint64]uint64
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		done:     make(map[ProcessID]int64),
		listings: make(map[uint64][]string),
		reads:    make(map[uint64]uint64),
	}
}

func (h *recordingHandler) CommandDone(e *Endpoint, id ProcessID, exitCode int64) error {
	h.done[id] = exitCode
	return nil
}

func (h *recordingHandler) DirectoryListing(e *Endpoint, id uint64, items []string) error {
	h.listings[id] = items
	return nil
}

func (h *recordingHandler) EditRequest(e *Endpoint, editID uint64, commandID ProcessID, name string, data []byte) error {
	h.edits = append(h.edits, editRequest{CommandID: commandID, EditID: editID, Name: name, Data: data})
	return nil
}

func (h *recordingHandler) Pipe(e *Endpoint, id ReadPipe, data []byte) error {
	h.pipes = append(h.pipes, pipeEvent{id: id.ID(), data: string(data)})
	return nil
}

func (h *recordingHandler) PipeRead(e *Endpoint, id WritePipe, countBytes uint64) error {
	h.reads[id.ID()] = countBytes
	return nil
}

func newTestEndpoint() (*Endpoint, *memTransport, *recordingHandler) {
	tr := &memTransport{}
	h := newRecordingHandler()
	return NewEndpoint(tr, h), tr, h
}

// ---------------------------------------------------------------------------
// Identifier allocation
// ---------------------------------------------------------------------------

func TestIDsStrictlyIncreasing(t *testing.T) {
	var i ids
	i.next = 1
	prev := uint64(0)
	for n := 0; n < 1000; n++ {
		id := i.nextID()
		if id <= prev {
			t.Fatalf("id %d after %d, want strictly increasing", id, prev)
		}
		prev = id
	}
}

func TestIDsSharedAcrossResourceKinds(t *testing.T) {
	e, _, _ := newTestEndpoint()

	seen := map[uint64]string{0: "root"}
	mark := func(id uint64, what string) {
		t.Helper()
		if prev, ok := seen[id]; ok {
			t.Fatalf("id %d issued for %s and %s", id, prev, what)
		}
		seen[id] = what
	}

	r, err := e.Remote(Root, NewCommand("ssh", "host"))
	if err != nil {
		t.Fatal(err)
	}
	mark(uint64(r), "remote")

	h, err := e.OpenFile(r, "/tmp/out")
	if err != nil {
		t.Fatal(err)
	}
	mark(h.ID(), "file")

	p, err := e.Command(r, NewCommand("ls"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	mark(uint64(p.ID), "process")
	mark(p.Stdin.ID(), "stdin")
	mark(p.Stdout.ID(), "stdout")
	mark(p.Stderr.ID(), "stderr")

	l, err := e.ListDirectory(Root, "/")
	if err != nil {
		t.Fatal(err)
	}
	mark(l, "listing")
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestSimpleCommand(t *testing.T) {
	e, tr, _ := newTestEndpoint()

	proc, err := e.Command(Root, NewCommand("ls"), BlockFor{}, nil)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	reqs := tr.requests(t)
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	if reqs[0].RemoteID != Root {
		t.Errorf("RemoteID = %v, want %v", reqs[0].RemoteID, Root)
	}
	bc, ok := reqs[0].Message.p.(beginCommand)
	if !ok {
		t.Fatalf("payload = %T, want beginCommand", reqs[0].Message.p)
	}
	if bc.Process.ID != proc.ID {
		t.Errorf("process id = %v, want %v", bc.Process.ID, proc.ID)
	}
	pipes := map[uint64]bool{bc.Process.Stdin: true, bc.Process.Stdout: true, bc.Process.Stderr: true}
	if len(pipes) != 3 {
		t.Errorf("pipes not distinct: %+v", bc.Process)
	}
	if bc.Process.Stdin != proc.Stdin.ID() || bc.Process.Stdout != proc.Stdout.ID() || bc.Process.Stderr != proc.Stderr.ID() {
		t.Errorf("wire process %+v does not match returned %+v", bc.Process, proc)
	}
	if bc.Command.Name() != "ls" || len(bc.Command.Args()) != 0 {
		t.Errorf("command = %v, want ls", bc.Command)
	}
	if len(bc.BlockFor) != 0 {
		t.Errorf("block_for = %v, want empty", bc.BlockFor)
	}
}

func TestNestedRemoteCommand(t *testing.T) {
	e, tr, _ := newTestEndpoint()

	r, err := e.Remote(Root, NewCommand("ssh host"))
	if err != nil {
		t.Fatalf("Remote: %v", err)
	}
	if r != RemoteID(1) {
		t.Fatalf("Remote = %v, want remote/1", r)
	}
	if _, err := e.Command(r, NewCommand("uptime"), nil, nil); err != nil {
		t.Fatalf("Command: %v", err)
	}

	reqs := tr.requests(t)
	if len(reqs) != 2 {
		t.Fatalf("sent %d requests, want 2", len(reqs))
	}
	if reqs[0].RemoteID != Root || reqs[0].Kind() != "BeginRemote" {
		t.Errorf("first = %s to %v, want BeginRemote to root", reqs[0].Kind(), reqs[0].RemoteID)
	}
	if id, scope := reqs[0].Scope(); id != r || scope != ScopeBegin {
		t.Errorf("Scope = %v %v, want %v begin", id, scope, r)
	}
	if reqs[1].RemoteID != r || reqs[1].Kind() != "BeginCommand" {
		t.Errorf("second = %s to %v, want BeginCommand to %v", reqs[1].Kind(), reqs[1].RemoteID, r)
	}
	if parent, ok := e.Parent(r); !ok || parent != Root {
		t.Errorf("Parent = %v %v, want root", parent, ok)
	}
}

func TestRedirectToFile(t *testing.T) {
	e, tr, _ := newTestEndpoint()

	h, err := e.OpenFile(Root, "/tmp/out")
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if !e.PipeOpen(h.ID()) {
		t.Fatal("file pipe not open after OpenFile")
	}

	proc, err := e.Command(Root, NewCommand("date"), nil, &h)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if proc.Stdout.ID() != h.ID() {
		t.Errorf("stdout = %d, want handle %d", proc.Stdout.ID(), h.ID())
	}
	if e.PipeOpen(h.ID()) {
		t.Error("handle pipe still open after redirect")
	}

	reqs := tr.requests(t)
	bc := reqs[len(reqs)-1].Message.p.(beginCommand)
	if bc.Process.Stdout != h.ID() {
		t.Errorf("wire stdout = %d, want %d", bc.Process.Stdout, h.ID())
	}

	sent := len(tr.msgs)
	_, err = e.Command(Root, NewCommand("date"), nil, &h)
	if !errors.Is(err, ErrHandleConsumed) {
		t.Fatalf("second redirect err = %v, want ErrHandleConsumed", err)
	}
	if len(tr.msgs) != sent {
		t.Error("failed precondition still sent a request")
	}

	// The consumed id is never handed out again.
	for n := 0; n < 20; n++ {
		p, err := e.Command(Root, NewCommand("true"), nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, id := range []uint64{uint64(p.ID), p.Stdin.ID(), p.Stdout.ID(), p.Stderr.ID()} {
			if id == h.ID() {
				t.Fatalf("consumed pipe id %d reissued", id)
			}
		}
	}
}

func TestEditRoundTrip(t *testing.T) {
	backendTr := &memTransport{}
	b := NewBackend(backendTr)

	e, tr, h := newTestEndpoint()
	proc, err := e.Command(Root, Edit("file.txt"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.EditRequest(proc.ID, 9, "file.txt", []byte("old")); err != nil {
		t.Fatalf("EditRequest: %v", err)
	}
	for _, resp := range backendTr.responses(t) {
		if err := e.Receive(resp); err != nil {
			t.Fatalf("Receive: %v", err)
		}
	}
	if len(h.edits) != 1 {
		t.Fatalf("edit callbacks = %d, want 1", len(h.edits))
	}
	got := h.edits[0]
	if got.CommandID != proc.ID || got.EditID != 9 || got.Name != "file.txt" || string(got.Data) != "old" {
		t.Errorf("edit = %+v", got)
	}

	tr.msgs = nil
	if err := e.FinishEdit(proc.ID, 9, []byte("new")); err != nil {
		t.Fatalf("FinishEdit: %v", err)
	}
	reqs := tr.requests(t)
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	want := Request{RemoteID: Root, Message: RequestEnvelope{p: finishEdit{ID: 9, Data: []byte("new")}}}
	if !reqs[0].Equal(want) {
		t.Errorf("request = %+v, want %+v", reqs[0], want)
	}
}

func TestFinishEditUnknownProcess(t *testing.T) {
	e, tr, _ := newTestEndpoint()
	err := e.FinishEdit(ProcessID(42), 1, []byte("x"))
	if !errors.Is(err, ErrUnknownProcess) {
		t.Fatalf("err = %v, want ErrUnknownProcess", err)
	}
	if len(tr.msgs) != 0 {
		t.Error("request sent for unknown process")
	}
}

// ---------------------------------------------------------------------------
// Remote tree
// ---------------------------------------------------------------------------

func TestRemoteRequiresOpenParent(t *testing.T) {
	e, _, _ := newTestEndpoint()
	_, err := e.Remote(RemoteID(7), NewCommand("ssh"))
	if !errors.Is(err, ErrUnknownRemote) {
		t.Fatalf("err = %v, want ErrUnknownRemote", err)
	}
	if _, err := e.Command(RemoteID(7), NewCommand("ls"), nil, nil); !errors.Is(err, ErrUnknownRemote) {
		t.Fatalf("Command err = %v, want ErrUnknownRemote", err)
	}
	if _, err := e.OpenFile(RemoteID(7), "/x"); !errors.Is(err, ErrUnknownRemote) {
		t.Fatalf("OpenFile err = %v, want ErrUnknownRemote", err)
	}
}

func TestCloseRootRejected(t *testing.T) {
	e, tr, _ := newTestEndpoint()
	if err := e.CloseRemote(Root); !errors.Is(err, ErrRootRemote) {
		t.Fatalf("err = %v, want ErrRootRemote", err)
	}
	if len(tr.msgs) != 0 {
		t.Error("request sent for root close")
	}
	if got := e.Remotes(); len(got) != 1 || got[0] != Root {
		t.Errorf("Remotes = %v, want [root]", got)
	}
}

func TestCloseRemoteCascades(t *testing.T) {
	e, tr, _ := newTestEndpoint()

	a, _ := e.Remote(Root, NewCommand("ssh", "a"))
	b, _ := e.Remote(a, NewCommand("ssh", "b"))
	c, _ := e.Remote(Root, NewCommand("ssh", "c"))
	pa, _ := e.Command(a, NewCommand("sleep", "10"), nil, nil)
	pb, _ := e.Command(b, NewCommand("sleep", "10"), nil, nil)
	pc, _ := e.Command(c, NewCommand("sleep", "10"), nil, nil)
	fb, _ := e.OpenFile(b, "/tmp/x")

	tr.msgs = nil
	if err := e.CloseRemote(a); err != nil {
		t.Fatalf("CloseRemote: %v", err)
	}

	reqs := tr.requests(t)
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests, want 1", len(reqs))
	}
	if reqs[0].RemoteID != Root {
		t.Errorf("EndRemote addressed to %v, want parent root", reqs[0].RemoteID)
	}
	if id, scope := reqs[0].Scope(); id != a || scope != ScopeEnd {
		t.Errorf("Scope = %v %v, want %v end", id, scope, a)
	}

	if got := e.Remotes(); !reflect.DeepEqual(got, []RemoteID{Root, c}) {
		t.Errorf("Remotes = %v, want [root %v]", got, c)
	}
	for _, p := range []ReadProcess{pa, pb} {
		if _, ok := e.ProcessRemote(p.ID); ok {
			t.Errorf("%v still registered", p.ID)
		}
		if e.PipeOpen(p.Stdout.ID()) || e.PipeOpen(p.Stdin.ID()) {
			t.Errorf("pipes of %v still open", p.ID)
		}
	}
	if e.PipeOpen(fb.ID()) {
		t.Error("file pipe of closed remote still open")
	}
	if r, ok := e.ProcessRemote(pc.ID); !ok || r != c {
		t.Errorf("sibling process lost: %v %v", r, ok)
	}

	if err := e.CloseRemote(b); !errors.Is(err, ErrUnknownRemote) {
		t.Errorf("closing cascaded remote err = %v, want ErrUnknownRemote", err)
	}
}

// ---------------------------------------------------------------------------
// Processes and pipes
// ---------------------------------------------------------------------------

func TestCloseProcess(t *testing.T) {
	e, tr, _ := newTestEndpoint()
	r, _ := e.Remote(Root, NewCommand("ssh", "h"))
	p, _ := e.Command(r, NewCommand("yes"), nil, nil)

	tr.msgs = nil
	if err := e.CloseProcess(p.ID); err != nil {
		t.Fatalf("CloseProcess: %v", err)
	}
	reqs := tr.requests(t)
	want := Request{RemoteID: r, Message: RequestEnvelope{p: cancelCommand{ID: p.ID}}}
	if len(reqs) != 1 || !reqs[0].Equal(want) {
		t.Fatalf("requests = %+v, want %+v", reqs, want)
	}
	if e.PipeOpen(p.Stdin.ID()) {
		t.Error("stdin still open after CloseProcess")
	}
	if !e.PipeOpen(p.Stdout.ID()) {
		t.Error("stdout released before end of stream")
	}
	if err := e.CloseProcess(p.ID); !errors.Is(err, ErrUnknownProcess) {
		t.Errorf("second close err = %v, want ErrUnknownProcess", err)
	}
}

func TestReceivePipeData(t *testing.T) {
	e, _, h := newTestEndpoint()
	p, _ := e.Command(Root, NewCommand("echo", "hi"), nil, nil)

	bt := &memTransport{}
	b := NewBackend(bt)
	_ = b.Pipe(WritePipe{id: p.Stdout.ID()}, []byte("hi\n"))
	_ = b.Pipe(WritePipe{id: p.Stdout.ID()}, nil)
	_ = b.CommandDone(p.ID, 0)

	for _, resp := range bt.responses(t) {
		if err := e.Receive(resp); err != nil {
			t.Fatalf("Receive %s: %v", resp.Kind(), err)
		}
	}

	want := []pipeEvent{{id: p.Stdout.ID(), data: "hi\n"}, {id: p.Stdout.ID(), data: ""}}
	if !reflect.DeepEqual(h.pipes, want) {
		t.Errorf("pipes = %+v, want %+v", h.pipes, want)
	}
	if e.PipeOpen(p.Stdout.ID()) {
		t.Error("stdout still open after end of stream")
	}
	if code, ok := e.ExitCode(p.ID); !ok || code != 0 {
		t.Errorf("ExitCode = %d %v, want 0 true", code, ok)
	}
	if h.done[p.ID] != 0 {
		t.Errorf("done = %v", h.done)
	}
}

func TestReceiveUnknownPipe(t *testing.T) {
	e, _, h := newTestEndpoint()
	p, _ := e.Command(Root, NewCommand("cat"), nil, nil)

	bt := &memTransport{}
	b := NewBackend(bt)
	_ = b.Pipe(WritePipe{id: 999}, []byte("x"))
	// Data on a stdin id is misdirected: the controller writes stdin.
	_ = b.Pipe(WritePipe{id: p.Stdin.ID()}, []byte("x"))
	// A read hint for stdout is misdirected too.
	_ = b.PipeRead(ReadPipe{id: p.Stdout.ID()}, 10)

	for _, resp := range bt.responses(t) {
		if err := e.Receive(resp); !errors.Is(err, ErrUnknownPipe) {
			t.Errorf("Receive %s err = %v, want ErrUnknownPipe", resp.Kind(), err)
		}
	}
	if len(h.pipes) != 0 || len(h.reads) != 0 {
		t.Errorf("handler invoked for unknown pipes: %+v %+v", h.pipes, h.reads)
	}
}

func TestWriteAndReadHints(t *testing.T) {
	e, tr, h := newTestEndpoint()
	r, _ := e.Remote(Root, NewCommand("ssh", "h"))
	p, _ := e.Command(r, NewCommand("cat"), nil, nil)

	bt := &memTransport{}
	b := NewBackend(bt)
	_ = b.PipeRead(ReadPipe{id: p.Stdin.ID()}, 4096)
	for _, resp := range bt.responses(t) {
		if err := e.Receive(resp); err != nil {
			t.Fatal(err)
		}
	}
	if h.reads[p.Stdin.ID()] != 4096 {
		t.Errorf("reads = %v", h.reads)
	}

	tr.msgs = nil
	if err := e.Write(p.Stdin, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := e.Read(p.Stdout, 1024); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := e.Write(p.Stdin, nil); err != nil {
		t.Fatalf("Write eof: %v", err)
	}
	if err := e.Write(p.Stdin, []byte("late")); !errors.Is(err, ErrUnknownPipe) {
		t.Errorf("write after eof err = %v, want ErrUnknownPipe", err)
	}

	reqs := tr.requests(t)
	if len(reqs) != 3 {
		t.Fatalf("sent %d, want 3", len(reqs))
	}
	for _, req := range reqs {
		if req.RemoteID != r {
			t.Errorf("%s addressed to %v, want %v", req.Kind(), req.RemoteID, r)
		}
	}
	if reqs[0].Kind() != "PipeData" || reqs[1].Kind() != "PipeRead" || reqs[2].Kind() != "PipeData" {
		t.Errorf("kinds = %s %s %s", reqs[0].Kind(), reqs[1].Kind(), reqs[2].Kind())
	}
}

func TestPipeDirectionDuality(t *testing.T) {
	e, tr, _ := newTestEndpoint()
	proc, err := e.Command(Root, NewCommand("cat"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	exec := &captureHandler{}
	for _, req := range tr.requests(t) {
		if err := req.Route(exec); err != nil {
			t.Fatalf("Route: %v", err)
		}
	}
	got := exec.process
	if got.ID != proc.ID {
		t.Fatalf("routed process %v, want %v", got.ID, proc.ID)
	}
	if got.Stdin.ID() != proc.Stdin.ID() || got.Stdout.ID() != proc.Stdout.ID() || got.Stderr.ID() != proc.Stderr.ID() {
		t.Errorf("executor view %+v does not mirror controller view %+v", got, proc)
	}
	// The static types are the other half of the property.
	var _ ReadPipe = got.Stdin
	var _ WritePipe = proc.Stdin
	var _ WritePipe = got.Stdout
	var _ ReadPipe = proc.Stdout
}

func TestTransportErrorDistinct(t *testing.T) {
	boom := errors.New("broken pipe")
	tr := &memTransport{err: boom}
	e := NewEndpoint(tr, newRecordingHandler())

	p, err := e.Command(Root, NewCommand("ls"), nil, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped transport failure", err)
	}
	if !IsTransport(err) {
		t.Errorf("IsTransport(%v) = false", err)
	}
	// Local state stands even though the request never left.
	if _, ok := e.ProcessRemote(p.ID); !ok {
		t.Error("process not registered after send failure")
	}

	if err := e.CloseRemote(Root); IsTransport(err) {
		t.Errorf("precondition error classified as transport: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Command model
// ---------------------------------------------------------------------------

func TestCommandAddArgs(t *testing.T) {
	c := NewCommand("git", "log")
	if err := c.AddArgs("--oneline", "-n", "3"); err != nil {
		t.Fatalf("AddArgs: %v", err)
	}
	if got := c.String(); got != "git log --oneline -n 3" {
		t.Errorf("String = %q", got)
	}

	for _, c := range []Command{SetDirectory("/tmp"), Edit("a.txt")} {
		if err := c.AddArgs("x"); !errors.Is(err, ErrNoArguments) {
			t.Errorf("%v AddArgs err = %v, want ErrNoArguments", c.Kind(), err)
		}
	}
}

func TestEmptyCommandRejected(t *testing.T) {
	tr := &memTransport{}
	e := NewEndpoint(tr, newRecordingHandler())

	if _, err := e.Command(Root, NewCommand("  "), nil, nil); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Command err = %v, want ErrEmptyCommand", err)
	}
	if _, err := e.Remote(Root, NewCommand("")); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("Remote err = %v, want ErrEmptyCommand", err)
	}
	if len(tr.msgs) != 0 {
		t.Errorf("sent %d messages for rejected commands", len(tr.msgs))
	}
	if err := SetDirectory("").Validate(); err != nil {
		t.Errorf("SetDirectory Validate = %v", err)
	}

	var c Command
	if err := c.UnmarshalJSON([]byte(`{"Unknown":{"name":"","args":[]}}`)); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("decode err = %v, want ErrEmptyCommand", err)
	}
}

func TestCommandArgsAreCopied(t *testing.T) {
	args := []string{"a"}
	c := NewCommand("echo", args...)
	args[0] = "mutated"
	got := c.Args()
	got[0] = "also mutated"
	if c.Args()[0] != "a" {
		t.Errorf("Args = %v, want [a]", c.Args())
	}
}

// ---------------------------------------------------------------------------
// Round trips
// ---------------------------------------------------------------------------

func allRequests() []Request {
	return []Request{
		{RemoteID: 0, Message: RequestEnvelope{p: beginCommand{
			BlockFor: BlockFor{3: nil, 4: Require(Success), 5: Require(Failure)},
			Process:  abstractProcess{ID: 6, Stdin: 7, Stdout: 8, Stderr: 9},
			Command:  NewCommand("make", "-j4", "all"),
		}}},
		{RemoteID: 2, Message: RequestEnvelope{p: beginCommand{
			BlockFor: BlockFor{},
			Process:  abstractProcess{ID: 10, Stdin: 11, Stdout: 12, Stderr: 13},
			Command:  SetDirectory("/srv"),
		}}},
		{RemoteID: 1, Message: RequestEnvelope{p: cancelCommand{ID: 6}}},
		{RemoteID: 0, Message: RequestEnvelope{p: beginRemote{ID: 1, Command: NewCommand("ssh", "host")}}},
		{RemoteID: 1, Message: RequestEnvelope{p: openFile{ID: 14, Path: "/tmp/out"}}},
		{RemoteID: 0, Message: RequestEnvelope{p: endRemote{ID: 1}}},
		{RemoteID: 0, Message: RequestEnvelope{p: listDirectory{ID: 15, Path: "/"}}},
		{RemoteID: 0, Message: RequestEnvelope{p: finishEdit{ID: 9, Data: []byte("new")}}},
		{RemoteID: 0, Message: RequestEnvelope{p: pipeData{ID: 7, Data: []byte{0, 1, 2, 0xff}}}},
		{RemoteID: 0, Message: RequestEnvelope{p: pipeData{ID: 7, Data: []byte{}}}},
		{RemoteID: 0, Message: RequestEnvelope{p: pipeRead{ID: 8, CountBytes: 65536}}},
		{RemoteID: 0, Message: RequestEnvelope{p: beginCommand{
			BlockFor: BlockFor{},
			Process:  abstractProcess{ID: 20, Stdin: 21, Stdout: 22, Stderr: 23},
			Command:  Edit("notes.md"),
		}}},
	}
}

func allResponses() []Response {
	return []Response{
		{RemoteID: 0, Message: ResponseEnvelope{p: commandDone{ID: 6, ExitCode: -1}}},
		{RemoteID: 0, Message: ResponseEnvelope{p: directoryListing{ID: 15, Items: []string{"bin/", "etc/"}}}},
		{RemoteID: 0, Message: ResponseEnvelope{p: directoryListing{ID: 16, Items: []string{}}}},
		{RemoteID: 0, Message: ResponseEnvelope{p: editRequest{CommandID: 5, EditID: 9, Name: "file.txt", Data: []byte("old")}}},
		{RemoteID: 0, Message: ResponseEnvelope{p: pipeData{ID: 8, Data: []byte("out")}}},
		{RemoteID: 0, Message: ResponseEnvelope{p: pipeRead{ID: 7, CountBytes: 1}}},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONLines, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			for _, req := range allRequests() {
				data, err := codec.Marshal(&req)
				if err != nil {
					t.Fatalf("Marshal %s: %v", req.Kind(), err)
				}
				buf.Write(data)
			}
			dec := codec.NewDecoder(&buf)
			for _, want := range allRequests() {
				var got Request
				if err := dec.Decode(&got); err != nil {
					t.Fatalf("Decode %s: %v", want.Kind(), err)
				}
				if !got.Equal(want) {
					t.Errorf("%s round trip:\n got %+v\nwant %+v", want.Kind(), got.Message.p, want.Message.p)
				}
			}
			var extra Request
			if err := dec.Decode(&extra); err != io.EOF {
				t.Errorf("trailing Decode err = %v, want io.EOF", err)
			}

			buf.Reset()
			for _, resp := range allResponses() {
				data, err := codec.Marshal(&resp)
				if err != nil {
					t.Fatalf("Marshal %s: %v", resp.Kind(), err)
				}
				buf.Write(data)
			}
			dec = codec.NewDecoder(&buf)
			for _, want := range allResponses() {
				var got Response
				if err := dec.Decode(&got); err != nil {
					t.Fatalf("Decode %s: %v", want.Kind(), err)
				}
				if !got.Equal(want) {
					t.Errorf("%s round trip:\n got %+v\nwant %+v", want.Kind(), got.Message.p, want.Message.p)
				}
			}
		})
	}
}

func TestJSONWireShape(t *testing.T) {
	req := Request{RemoteID: 1, Message: RequestEnvelope{p: beginRemote{ID: 2, Command: NewCommand("ssh", "h")}}}
	data, err := JSONLines.Marshal(&req)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"remote_id":1,"message":{"BeginRemote":{"id":2,"command":{"Unknown":{"name":"ssh","args":["h"]}}}}}` + "\n"
	if string(data) != want {
		t.Errorf("wire = %s\nwant %s", data, want)
	}
}

func TestDecodeRejectsAmbiguousEnvelope(t *testing.T) {
	in := `{"remote_id":0,"message":{"EndRemote":{"id":1},"CancelCommand":{"id":2}}}` + "\n"
	var req Request
	err := JSONLines.NewDecoder(strings.NewReader(in)).Decode(&req)
	if err == nil {
		t.Fatal("expected error for two variants")
	}
	in = `{"remote_id":0,"message":{}}` + "\n"
	if err := JSONLines.NewDecoder(strings.NewReader(in)).Decode(&req); err == nil {
		t.Fatal("expected error for empty envelope")
	}
}

func TestJSONDecoderSkipsBlankLines(t *testing.T) {
	in := "\n\n" + `{"remote_id":0,"message":{"EndRemote":{"id":3}}}` + "\n\n"
	dec := JSONLines.NewDecoder(strings.NewReader(in))
	var req Request
	if err := dec.Decode(&req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if id, scope := req.Scope(); id != 3 || scope != ScopeEnd {
		t.Errorf("Scope = %v %v", id, scope)
	}
	if err := dec.Decode(&req); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]Codec{"": JSONLines, "json": JSONLines, "cbor": CBOR} {
		got, err := CodecByName(name)
		if err != nil || got != want {
			t.Errorf("CodecByName(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func TestRetarget(t *testing.T) {
	req := Request{RemoteID: 4, Message: RequestEnvelope{p: cancelCommand{ID: 9}}}
	moved := req.Retarget(Root)
	if moved.RemoteID != Root || req.RemoteID != 4 {
		t.Errorf("Retarget mutated original or missed target: %v %v", req.RemoteID, moved.RemoteID)
	}
	if !reflect.DeepEqual(moved.Message, req.Message) {
		t.Error("Retarget changed the payload")
	}
}

// captureHandler records the last routed BeginCommand.
type captureHandler struct {
	process WriteProcess
}

func (c *captureHandler) BeginCommand(_ BlockFor, p WriteProcess, _ Command) error {
	c.process = p
	return nil
}
func (c *captureHandler) CancelCommand(ProcessID) error       { return nil }
func (c *captureHandler) BeginRemote(RemoteID, Command) error { return nil }
func (c *captureHandler) OpenFile(WritePipe, string) error    { return nil }
func (c *captureHandler) EndRemote(RemoteID) error            { return nil }
func (c *captureHandler) ListDirectory(uint64, string) error  { return nil }
func (c *captureHandler) FinishEdit(uint64, []byte) error     { return nil }
func (c *captureHandler) PipeData(uint64, []byte) error       { return nil }
func (c *captureHandler) PipeRead(uint64, uint64) error       { return nil }
