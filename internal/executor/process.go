package executor

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/codewiresh/hopwire/internal/protocol"
)

// process is one BeginCommand as the executor tracks it.
type process struct {
	id     protocol.ProcessID
	pipes  protocol.WriteProcess
	cmd    protocol.Command
	status *StatusWatcher

	// sink receives stdout when the command was redirected to a file.
	sink *os.File
	// sinkErr is set when the redirect target could not be opened.
	sinkErr error

	// Written by the run goroutine and its output pumps only.
	stdoutEnded bool
	stderrEnded bool
	recorded    bool

	inMu       sync.Mutex
	inQueue    [][]byte // stdin chunks not yet written; empty chunk = EOF
	inClosed   bool
	inReady    chan struct{}
	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once

	mu     sync.Mutex
	osProc *os.Process
}

func newProcess(wp protocol.WriteProcess, cmd protocol.Command) *process {
	return &process{
		id:      wp.ID,
		pipes:   wp,
		cmd:     cmd,
		status:  NewStatusWatcher(ProcessStatus{State: StatePending}),
		inReady: make(chan struct{}, 1),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// input queues stdin data for feed. It never blocks: a process that does
// not read its stdin must not hold up the requests behind it. Data queued
// after stdin has gone away is dropped.
func (p *process) input(data []byte) {
	p.inMu.Lock()
	if p.inClosed {
		p.inMu.Unlock()
		return
	}
	p.inQueue = append(p.inQueue, data)
	p.inMu.Unlock()
	select {
	case p.inReady <- struct{}{}:
	default:
	}
}

// queued takes every chunk waiting for feed.
func (p *process) queued() [][]byte {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	q := p.inQueue
	p.inQueue = nil
	return q
}

// closeInput drops queued stdin and refuses more.
func (p *process) closeInput() {
	p.inMu.Lock()
	p.inClosed = true
	p.inQueue = nil
	p.inMu.Unlock()
}

func (p *process) requestCancel() {
	p.cancelOnce.Do(func() { close(p.cancel) })
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.osProc != nil {
		_ = p.osProc.Signal(syscall.SIGTERM)
	}
}

func (p *process) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.osProc != nil {
		_ = p.osProc.Kill()
	}
}

func (p *process) cancelled() bool {
	select {
	case <-p.cancel:
		return true
	default:
		return false
	}
}

// started records the OS process. A cancel that raced the start is
// applied immediately.
func (p *process) started(proc *os.Process) {
	p.mu.Lock()
	p.osProc = proc
	p.mu.Unlock()
	if p.cancelled() {
		_ = proc.Signal(syscall.SIGTERM)
	}
}

func (p *process) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
	p.closeInput()
}

// feed copies queued stdin chunks into w until EOF or the process ends.
// eof is written instead of closing w when non-nil (PTY mode).
func (p *process) feed(w io.WriteCloser, eof []byte) {
	defer p.closeInput()
	for {
		select {
		case <-p.inReady:
		case <-p.done:
			return
		}
		for _, data := range p.queued() {
			if len(data) == 0 {
				if eof != nil {
					_, _ = w.Write(eof)
				} else {
					_ = w.Close()
				}
				return
			}
			if _, err := w.Write(data); err != nil {
				slog.Debug("stdin write error", "id", p.id, "err", err)
				return
			}
		}
	}
}

// spawn runs an Unknown command to completion and returns its exit code.
func (e *Executor) spawn(p *process) (int64, error) {
	cmd := exec.Command(p.cmd.Name(), p.cmd.Args()...)
	cmd.Dir = e.Dir()

	if e.opts.PTY {
		return e.spawnPTY(p, cmd)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return -1, err
	}
	var stdout io.ReadCloser
	if p.sink != nil {
		cmd.Stdout = p.sink
	} else if stdout, err = cmd.StdoutPipe(); err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}

	if err := cmd.Start(); err != nil {
		return -1, err
	}
	p.started(cmd.Process)
	slog.Info("command started", "id", p.id, "pid", cmd.Process.Pid, "command", p.cmd.String())

	go p.feed(stdin, nil)

	// Output must be drained before Wait closes the pipes.
	var wg sync.WaitGroup
	if stdout != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.pump(p, p.pipes.Stdout, stdout)
			p.stdoutEnded = true
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.pump(p, p.pipes.Stderr, stderr)
		p.stderrEnded = true
	}()
	wg.Wait()

	return exitCode(cmd.Wait()), nil
}

// spawnPTY runs the command under a pseudo-terminal. Everything the child
// writes arrives on stdout.
func (e *Executor) spawnPTY(p *process, cmd *exec.Cmd) (int64, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, err
	}
	defer ptmx.Close()
	p.started(cmd.Process)
	slog.Info("command started", "id", p.id, "pid", cmd.Process.Pid, "command", p.cmd.String(), "pty", true)

	go p.feed(ptmx, []byte{0x04})

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		if p.sink != nil {
			if _, err := io.Copy(p.sink, ptmx); err != nil && !isEIO(err) {
				slog.Error("redirect write error", "id", p.id, "err", err)
			}
			return
		}
		e.pump(p, p.pipes.Stdout, ptmx)
		p.stdoutEnded = true
	}()

	code := exitCode(cmd.Wait())
	<-pumped
	return code, nil
}

// pump streams r to the controller as PipeData chunks and ends the stream.
func (e *Executor) pump(p *process, pipe protocol.WritePipe, r io.Reader) {
	buf := make([]byte, chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := e.out.Pipe(pipe, data); err != nil {
				slog.Error("emit failed", "what", "pipe data", "id", p.id, "err", err)
			}
		}
		if readErr != nil {
			if readErr != io.EOF && !isEIO(readErr) && !errors.Is(readErr, os.ErrClosed) {
				slog.Error("output read error", "id", p.id, "pipe", pipe.ID(), "err", readErr)
			}
			break
		}
	}
	if err := e.out.Pipe(pipe, nil); err != nil {
		slog.Error("emit failed", "what", "pipe eof", "id", p.id, "err", err)
	}
}

func exitCode(err error) int64 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int64(exitErr.ExitCode())
	}
	return -1
}

// isEIO reports whether err is the EIO a PTY master returns once the child
// side has closed.
func isEIO(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno == syscall.EIO
		}
	}
	return false
}
