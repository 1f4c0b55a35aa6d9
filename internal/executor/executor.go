// Package executor runs the requests a controller sends to one node: it
// spawns processes, streams their output as pipe data, applies completion
// gates, serves directory listings and round-trips interactive edits.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codewiresh/hopwire/internal/protocol"
	"github.com/codewiresh/hopwire/internal/store"
)

// ErrRemotesUnsupported is returned for BeginRemote and EndRemote when no
// router sits in front of the executor.
var ErrRemotesUnsupported = errors.New("nested remotes need a router")

// closeGrace is how long Close waits for a cancelled process before
// killing it.
const closeGrace = 5 * time.Second

// chunkSize bounds a single PipeData message emitted for process output.
const chunkSize = 4096

// Emitter sends executor responses toward the controller. *protocol.Backend
// implements it.
type Emitter interface {
	Pipe(id protocol.WritePipe, data []byte) error
	PipeRead(id protocol.ReadPipe, countBytes uint64) error
	CommandDone(id protocol.ProcessID, exitCode int64) error
	DirectoryListing(id uint64, items []string) error
	EditRequest(commandID protocol.ProcessID, editID uint64, name string, data []byte) error
}

// Options configures an Executor.
type Options struct {
	// Node names this executor in history records.
	Node string
	// Dir is the initial working directory. Empty means the process cwd.
	Dir string
	// PTY runs commands under a pseudo-terminal. Stdout and stderr merge.
	PTY bool
	// History, if set, records every started process.
	History store.Store
	// Session groups history records of one controller connection.
	Session string
}

// Executor implements protocol.BackendHandler for the local node.
type Executor struct {
	out  Emitter
	opts Options

	mu        sync.Mutex
	dir       string
	processes map[protocol.ProcessID]*process
	stdins    map[uint64]*process // stdin pipe id -> owner
	sinks     map[uint64]*os.File // file pipes opened with OpenFile
	failed    map[uint64]error    // file pipes whose OpenFile failed
	edits     map[uint64]*pendingEdit
	nextEdit  uint64
	readHints map[uint64]uint64 // pipe id -> bytes the controller will accept
	closed    bool
}

type pendingEdit struct {
	process *process
	path    string
	reply   chan []byte
}

// New creates an Executor that emits through out.
func New(out Emitter, opts Options) *Executor {
	dir := opts.Dir
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		} else {
			dir = "/"
		}
	}
	return &Executor{
		out:       out,
		opts:      opts,
		dir:       dir,
		processes: make(map[protocol.ProcessID]*process),
		stdins:    make(map[uint64]*process),
		sinks:     make(map[uint64]*os.File),
		failed:    make(map[uint64]error),
		edits:     make(map[uint64]*pendingEdit),
		nextEdit:  1,
		readHints: make(map[uint64]uint64),
	}
}

// Dir returns the current working directory.
func (e *Executor) Dir() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dir
}

// Status returns the lifecycle status of a process the executor has seen.
func (e *Executor) Status(id protocol.ProcessID) (ProcessStatus, bool) {
	e.mu.Lock()
	p, ok := e.processes[id]
	e.mu.Unlock()
	if !ok {
		return ProcessStatus{}, false
	}
	return p.status.Get(), true
}

// ReadHint returns the last PipeRead count received for a pipe.
func (e *Executor) ReadHint(id uint64) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.readHints[id]
	return n, ok
}

func (e *Executor) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return filepath.Join(e.dir, path)
}

// BeginCommand registers the process and starts it once its gate allows.
// It never blocks on the gate.
func (e *Executor) BeginCommand(blockFor protocol.BlockFor, wp protocol.WriteProcess, cmd protocol.Command) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("begin command %s: executor closed", wp.ID)
	}
	if _, exists := e.processes[wp.ID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("begin command %s: already registered", wp.ID)
	}
	p := newProcess(wp, cmd)
	if sink, ok := e.sinks[wp.Stdout.ID()]; ok {
		p.sink = sink
		delete(e.sinks, wp.Stdout.ID())
	} else if err, ok := e.failed[wp.Stdout.ID()]; ok {
		p.sinkErr = err
		p.stdoutEnded = true
		delete(e.failed, wp.Stdout.ID())
	}
	e.processes[wp.ID] = p
	e.stdins[wp.Stdin.ID()] = p
	deps := make(map[*process]protocol.Condition, len(blockFor))
	missing := false
	for dep, cond := range blockFor {
		dp, ok := e.processes[dep]
		if !ok {
			missing = true
			continue
		}
		deps[dp] = cond
	}
	e.mu.Unlock()

	slog.Debug("command registered", "id", wp.ID, "command", cmd.String(), "deps", len(blockFor))
	go e.run(p, deps, missing)
	return nil
}

// run waits on the gate then executes the command.
func (e *Executor) run(p *process, deps map[*process]protocol.Condition, missing bool) {
	if missing {
		slog.Info("gate references unknown process", "id", p.id)
		e.abandon(p, StateCompleted)
		return
	}
	for dep, cond := range deps {
		st, ok := dep.status.Wait(p.cancel)
		if !ok {
			e.abandon(p, StateCancelled)
			return
		}
		if !protocol.Satisfied(cond, st.Outcome()) {
			slog.Info("gate unsatisfied", "id", p.id, "dep", dep.id, "dep_status", st.String())
			e.abandon(p, StateCompleted)
			return
		}
	}

	if p.sinkErr != nil {
		slog.Info("redirect target unavailable", "id", p.id, "err", p.sinkErr)
		e.emit("stderr", e.out.Pipe(p.pipes.Stderr, []byte("hw: "+p.sinkErr.Error()+"\n")))
		e.abandon(p, StateCompleted)
		return
	}

	e.recordStart(p)
	var code int64
	switch p.cmd.Kind() {
	case protocol.KindSetDirectory:
		code = e.setDirectory(p)
	case protocol.KindEdit:
		code = e.edit(p)
	default:
		var err error
		code, err = e.spawn(p)
		if err != nil {
			slog.Error("command failed to start", "id", p.id, "command", p.cmd.String(), "err", err)
			if !p.stderrEnded {
				e.emit("stderr", e.out.Pipe(p.pipes.Stderr, []byte("hw: "+err.Error()+"\n")))
			}
		}
	}
	e.finish(p, code, StateCompleted)
}

// abandon reports a command that never started: its output streams are
// ended and it completes with exit code -1.
func (e *Executor) abandon(p *process, state State) {
	e.finish(p, -1, state)
}

// finish ends the output streams that are still open, reports CommandDone
// and records the outcome.
func (e *Executor) finish(p *process, code int64, state State) {
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			slog.Error("closing redirect target", "id", p.id, "err", err)
		}
	} else if !p.stdoutEnded {
		e.emit("stdout eof", e.out.Pipe(p.pipes.Stdout, nil))
	}
	if !p.stderrEnded {
		e.emit("stderr eof", e.out.Pipe(p.pipes.Stderr, nil))
	}
	if p.cancelled() {
		state = StateCancelled
	}
	p.status.Set(ProcessStatus{State: state, ExitCode: code})
	p.markDone()

	e.mu.Lock()
	delete(e.stdins, p.pipes.Stdin.ID())
	e.mu.Unlock()

	if e.opts.History != nil && p.recorded {
		if err := e.opts.History.Finish(context.Background(), e.opts.Session, uint64(p.id), code); err != nil {
			slog.Error("recording history", "id", p.id, "err", err)
		}
	}

	e.emit("command done", e.out.CommandDone(p.id, code))
	slog.Info("command finished", "id", p.id, "code", code)
}

func (e *Executor) recordStart(p *process) {
	p.status.Set(ProcessStatus{State: StateRunning})
	if e.opts.History == nil {
		return
	}
	rec := store.ProcessRecord{
		Session:   e.opts.Session,
		ProcessID: uint64(p.id),
		Node:      e.opts.Node,
		Command:   p.cmd.String(),
		StartedAt: time.Now(),
	}
	if err := e.opts.History.Record(context.Background(), rec); err != nil {
		slog.Error("recording history", "id", p.id, "err", err)
		return
	}
	p.recorded = true
}

func (e *Executor) emit(what string, err error) {
	if err != nil {
		slog.Error("emit failed", "what", what, "err", err)
	}
}

func (e *Executor) setDirectory(p *process) int64 {
	target := e.resolve(p.cmd.Path())
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		slog.Info("set directory failed", "id", p.id, "path", target, "err", err)
		return 1
	}
	e.mu.Lock()
	e.dir = target
	e.mu.Unlock()
	return 0
}

// edit sends the file's content up as an EditRequest and writes back what
// the controller returns with FinishEdit. A missing file edits as empty.
func (e *Executor) edit(p *process) int64 {
	path := e.resolve(p.cmd.Path())
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Info("edit read failed", "id", p.id, "path", path, "err", err)
		return 1
	}

	pe := &pendingEdit{process: p, path: path, reply: make(chan []byte, 1)}
	e.mu.Lock()
	editID := e.nextEdit
	e.nextEdit++
	e.edits[editID] = pe
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.edits, editID)
		e.mu.Unlock()
	}()

	if err := e.out.EditRequest(p.id, editID, p.cmd.Path(), data); err != nil {
		slog.Error("emit failed", "what", "edit request", "err", err)
		return 1
	}

	var edited []byte
	select {
	case edited = <-pe.reply:
	case <-p.cancel:
		return -1
	}
	if err := os.WriteFile(path, edited, 0o644); err != nil {
		slog.Info("edit write failed", "id", p.id, "path", path, "err", err)
		return 1
	}
	return 0
}

// FinishEdit delivers edited content to the waiting Edit command.
func (e *Executor) FinishEdit(id uint64, data []byte) error {
	e.mu.Lock()
	pe, ok := e.edits[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("finish edit %d: no edit pending", id)
	}
	select {
	case pe.reply <- append([]byte{}, data...):
		return nil
	default:
		return fmt.Errorf("finish edit %d: already finished", id)
	}
}

// CancelCommand kills a running process or abandons a gated one.
func (e *Executor) CancelCommand(id protocol.ProcessID) error {
	e.mu.Lock()
	p, ok := e.processes[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, protocol.ErrUnknownProcess)
	}
	slog.Info("cancelling command", "id", id, "status", p.status.Get().String())
	p.requestCancel()
	return nil
}

// OpenFile creates or truncates path and binds it to pipe id. The file
// receives PipeData written to id, or the stdout of a command redirected
// to it. A failed open is remembered so a command redirected to id fails
// instead of losing its output.
func (e *Executor) OpenFile(id protocol.WritePipe, path string) error {
	target := e.resolve(path)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.sinks[id.ID()]; ok {
		old.Close()
		delete(e.sinks, id.ID())
	}
	if err != nil {
		err = fmt.Errorf("open file %s: %w", target, err)
		e.failed[id.ID()] = err
		return err
	}
	delete(e.failed, id.ID())
	e.sinks[id.ID()] = f
	slog.Debug("file opened", "pipe", id.ID(), "path", target)
	return nil
}

// PipeData writes controller data to a process stdin or an open file.
// Zero-length data ends the stream.
func (e *Executor) PipeData(id uint64, data []byte) error {
	e.mu.Lock()
	if f, ok := e.sinks[id]; ok {
		if len(data) == 0 {
			delete(e.sinks, id)
		}
		e.mu.Unlock()
		if len(data) == 0 {
			return f.Close()
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("writing pipe/%d: %w", id, err)
		}
		return nil
	}
	if err, ok := e.failed[id]; ok {
		if len(data) == 0 {
			delete(e.failed, id)
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		return fmt.Errorf("writing pipe/%d: %w", id, err)
	}
	p, ok := e.stdins[id]
	if ok && len(data) == 0 {
		delete(e.stdins, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("pipe data for pipe/%d: %w", id, protocol.ErrUnknownPipe)
	}
	p.input(append([]byte{}, data...))
	return nil
}

// PipeRead records a flow-control hint. Output is never held back by it.
func (e *Executor) PipeRead(id uint64, countBytes uint64) error {
	e.mu.Lock()
	e.readHints[id] = countBytes
	e.mu.Unlock()
	slog.Debug("pipe read hint", "pipe", id, "count", countBytes)
	return nil
}

// ListDirectory answers with the sorted entries of path. Directories carry
// a trailing "/". Unreadable paths list as empty.
func (e *Executor) ListDirectory(id uint64, path string) error {
	target := e.resolve(path)
	entries, err := os.ReadDir(target)
	if err != nil {
		slog.Info("list directory failed", "path", target, "err", err)
	}
	items := make([]string, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() {
			name += "/"
		}
		items = append(items, name)
	}
	return e.out.DirectoryListing(id, items)
}

func (e *Executor) BeginRemote(id protocol.RemoteID, cmd protocol.Command) error {
	return fmt.Errorf("begin %s: %w", id, ErrRemotesUnsupported)
}

func (e *Executor) EndRemote(id protocol.RemoteID) error {
	return fmt.Errorf("end %s: %w", id, ErrRemotesUnsupported)
}

// Close cancels every unfinished process, closes open files and waits for
// running commands to report.
func (e *Executor) Close() error {
	e.mu.Lock()
	e.closed = true
	procs := make([]*process, 0, len(e.processes))
	for _, p := range e.processes {
		procs = append(procs, p)
	}
	sinks := e.sinks
	e.sinks = make(map[uint64]*os.File)
	e.mu.Unlock()

	for _, f := range sinks {
		f.Close()
	}
	for _, p := range procs {
		if !p.status.Get().Finished() {
			p.requestCancel()
		}
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-time.After(closeGrace):
			p.kill()
		}
	}
	return nil
}
