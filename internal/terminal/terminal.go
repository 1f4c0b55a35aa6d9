// Package terminal wraps the few terminal queries the hw CLI needs.
package terminal

import (
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Width returns the column count of stdout, or fallback when stdout is not
// a terminal.
func Width(fallback int) int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// RawModeGuard restores the terminal state saved by EnableRawMode.
type RawModeGuard struct {
	fd       int
	oldState *term.State
}

// EnableRawMode puts f into raw mode so keystrokes pass through unbuffered,
// for commands running under a remote pseudo-terminal.
func EnableRawMode(f *os.File) (*RawModeGuard, error) {
	fd := int(f.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &RawModeGuard{fd: fd, oldState: oldState}, nil
}

func (g *RawModeGuard) Restore() {
	term.Restore(g.fd, g.oldState)
}
