package protocol

import "fmt"

// RemoteID names a nested execution context. Root is the context served by
// the backend at the other end of the controller's own transport.
type RemoteID uint64

// Root is pre-allocated and never reissued.
const Root RemoteID = 0

func (r RemoteID) String() string { return fmt.Sprintf("remote/%d", uint64(r)) }

// ProcessID names one invocation of a command.
type ProcessID uint64

func (p ProcessID) String() string { return fmt.Sprintf("process/%d", uint64(p)) }

// ReadPipe is the consuming side of a pipe. WritePipe is the supplying side
// of the same numeric id. The two types never convert into each other.
type ReadPipe struct{ id uint64 }

// WritePipe is the supplying side of a pipe.
type WritePipe struct{ id uint64 }

// ID returns the numeric pipe id shared with the peer.
func (p ReadPipe) ID() uint64 { return p.id }

// ID returns the numeric pipe id shared with the peer.
func (p WritePipe) ID() uint64 { return p.id }

func (p ReadPipe) String() string  { return fmt.Sprintf("pipe/%d(r)", p.id) }
func (p WritePipe) String() string { return fmt.Sprintf("pipe/%d(w)", p.id) }

// Handle is an open file-write stream returned by Endpoint.OpenFile. It can
// be consumed exactly once as the stdout redirect of a command.
type Handle struct{ id uint64 }

// ID returns the pipe id the handle designates.
func (h Handle) ID() uint64 { return h.id }

func (h Handle) String() string { return fmt.Sprintf("handle/%d", h.id) }

// ExitStatus is the coarse outcome of a finished process.
type ExitStatus int

const (
	Success ExitStatus = iota
	Failure
)

func (s ExitStatus) String() string {
	if s == Success {
		return "success"
	}
	return "failure"
}

// StatusFromExitCode maps an exit code onto an ExitStatus.
func StatusFromExitCode(code int64) ExitStatus {
	if code == 0 {
		return Success
	}
	return Failure
}

// Condition gates a dependent command on a prior process. A nil Condition
// waits for completion regardless of outcome.
type Condition *ExitStatus

// Require returns a Condition demanding exactly s.
func Require(s ExitStatus) Condition { return &s }

// Satisfied reports whether a dependency that finished with status meets c.
func Satisfied(c Condition, status ExitStatus) bool {
	return c == nil || *c == status
}

// BlockFor maps each dependency to the condition it must meet before the
// command carrying it may start.
type BlockFor map[ProcessID]Condition

// ReadProcess is the controller's view of a process: it writes stdin and
// reads stdout and stderr.
type ReadProcess struct {
	ID     ProcessID
	Stdin  WritePipe
	Stdout ReadPipe
	Stderr ReadPipe
}

// WriteProcess is the executor's view of the same process: it reads stdin
// and writes stdout and stderr.
type WriteProcess struct {
	ID     ProcessID
	Stdin  ReadPipe
	Stdout WritePipe
	Stderr WritePipe
}

// ids issues identifiers for remotes, processes and pipes from one counter.
type ids struct {
	next uint64
}

func (i *ids) nextID() uint64 {
	id := i.next
	i.next++
	return id
}

// MarshalText encodes the status by name.
func (s ExitStatus) MarshalText() ([]byte, error) {
	switch s {
	case Success:
		return []byte("Success"), nil
	case Failure:
		return []byte("Failure"), nil
	}
	return nil, fmt.Errorf("invalid exit status %d", int(s))
}

// UnmarshalText decodes a status name.
func (s *ExitStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Success":
		*s = Success
	case "Failure":
		*s = Failure
	default:
		return fmt.Errorf("invalid exit status %q", b)
	}
	return nil
}
