package client

import "io"

type ansiState int

const (
	ansiText ansiState = iota
	ansiEsc
	ansiCSI
	ansiOSC
	ansiOSCEsc
)

// PlainWriter removes ANSI/VT100 escape sequences from everything written
// through it. Sequences split across writes are handled.
type PlainWriter struct {
	w     io.Writer
	state ansiState
	buf   []byte
}

// NewPlainWriter wraps w.
func NewPlainWriter(w io.Writer) *PlainWriter {
	return &PlainWriter{w: w}
}

func (p *PlainWriter) Write(b []byte) (int, error) {
	p.buf = p.buf[:0]
	for _, c := range b {
		switch p.state {
		case ansiText:
			if c == '\x1b' {
				p.state = ansiEsc
			} else {
				p.buf = append(p.buf, c)
			}
		case ansiEsc:
			switch c {
			case '[':
				p.state = ansiCSI
			case ']':
				p.state = ansiOSC
			default:
				p.state = ansiText
			}
		case ansiCSI:
			if c >= 0x40 && c <= 0x7E {
				p.state = ansiText
			}
		case ansiOSC:
			switch c {
			case '\x07':
				p.state = ansiText
			case '\x1b':
				p.state = ansiOSCEsc
			}
		case ansiOSCEsc:
			if c == '\\' {
				p.state = ansiText
			} else {
				p.state = ansiOSC
			}
		}
	}
	if len(p.buf) > 0 {
		if _, err := p.w.Write(p.buf); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}
