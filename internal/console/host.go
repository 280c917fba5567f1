// Package console connects the guest UART to the host.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// EscapeKey is Ctrl-A. Ctrl-A x detaches; Ctrl-A Ctrl-A sends a literal
// Ctrl-A to the guest.
const EscapeKey = 0x01

// Input receives host keystrokes. *rv32.UART implements it.
type Input interface {
	EnqueueInput(data []byte)
}

// Host is the process terminal.
type Host struct {
	in    *os.File
	fd    int
	state *term.State
}

// NewHost wraps the given stdin.
func NewHost(in *os.File) *Host {
	return &Host{in: in, fd: int(in.Fd())}
}

// IsTerminal reports whether stdin is a terminal.
func (h *Host) IsTerminal() bool {
	return term.IsTerminal(h.fd)
}

// MakeRaw puts a terminal stdin into raw mode. It does nothing when stdin
// is not a terminal.
func (h *Host) MakeRaw() error {
	if !h.IsTerminal() || h.state != nil {
		return nil
	}
	state, err := term.MakeRaw(h.fd)
	if err != nil {
		return fmt.Errorf("enable raw mode: %w", err)
	}
	h.state = state
	return nil
}

// Restore undoes MakeRaw. It is safe to call more than once.
func (h *Host) Restore() error {
	if h.state == nil {
		return nil
	}
	state := h.state
	h.state = nil
	return term.Restore(h.fd, state)
}

// Size returns the terminal size, or 80x24 when stdin is not a terminal.
func (h *Host) Size() (cols, rows int) {
	if !h.IsTerminal() {
		return 80, 24
	}
	cols, rows, err := term.GetSize(h.fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return 80, 24
	}
	return cols, rows
}

// Pump copies stdin to dst until EOF, ctx is done or the escape sequence
// is typed. onDetach runs when the user detaches.
func (h *Host) Pump(ctx context.Context, dst Input, onDetach func()) error {
	return Pump(ctx, h.in, dst, onDetach)
}

// Pump copies r to dst, filtering the escape sequence. It returns nil on
// EOF or detach. Cancelling ctx takes effect after the next read returns.
func Pump(ctx context.Context, r io.Reader, dst Input, onDetach func()) error {
	var esc escapeFilter
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out, detach := esc.filter(buf[:n])
			if len(out) > 0 {
				dst.EnqueueInput(out)
			}
			if detach {
				if onDetach != nil {
					onDetach()
				}
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read console input: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// escapeFilter removes Ctrl-A sequences from the input stream.
type escapeFilter struct {
	pending bool
}

func (f *escapeFilter) filter(p []byte) (out []byte, detach bool) {
	out = make([]byte, 0, len(p))
	for _, b := range p {
		if !f.pending {
			if b == EscapeKey {
				f.pending = true
				continue
			}
			out = append(out, b)
			continue
		}

		f.pending = false
		switch b {
		case 'x', 'X':
			return out, true
		case EscapeKey:
			out = append(out, EscapeKey)
		default:
			out = append(out, EscapeKey, b)
		}
	}
	return out, false
}
