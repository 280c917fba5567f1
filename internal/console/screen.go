package console

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Screen renders guest output into a headless terminal so the final screen
// can be inspected without a real tty.
type Screen struct {
	emu        *vt.SafeEmulator
	cols, rows int

	closeOnce sync.Once
	drained   chan struct{}
}

// NewScreen creates a cols x rows screen.
func NewScreen(cols, rows int) *Screen {
	emu := vt.NewSafeEmulator(cols, rows)
	swallowQueries(emu)

	s := &Screen{
		emu:     emu,
		cols:    cols,
		rows:    rows,
		drained: make(chan struct{}),
	}
	go s.drain()
	return s
}

// swallowQueries stops the emulator from answering status and attribute
// queries. There is no input path back to the guest, and unread replies
// would stall Write.
func swallowQueries(emu *vt.SafeEmulator) {
	// DSR: CSI 5 n, CSI 6 n
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	// DEC DSR: CSI ? 6 n
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	// DA: CSI c and CSI > c
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// drain discards replies the emulator still generates.
func (s *Screen) drain() {
	defer close(s.drained)
	buf := make([]byte, 1024)
	for {
		if _, err := s.emu.Read(buf); err != nil {
			return
		}
	}
}

// Write implements io.Writer.
func (s *Screen) Write(p []byte) (int, error) {
	return s.emu.Write(p)
}

// Size returns the screen dimensions.
func (s *Screen) Size() (cols, rows int) {
	return s.cols, s.rows
}

// Cursor returns the cursor cell.
func (s *Screen) Cursor() (x, y int) {
	pos := s.emu.CursorPosition()
	return pos.X, pos.Y
}

// Snapshot returns the visible text, one line per row, with trailing
// blanks and empty trailing rows removed.
func (s *Screen) Snapshot() string {
	lines := make([]string, s.rows)
	for y := 0; y < s.rows; y++ {
		var line strings.Builder
		for x := 0; x < s.cols; {
			cell := s.emu.CellAt(x, y)
			w := 1
			content := " "
			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			line.WriteString(content)
			x += w
		}
		lines[y] = strings.TrimRight(line.String(), " ")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// Close stops the emulator.
func (s *Screen) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.emu.Close()
		<-s.drained
	})
	return err
}

var _ io.WriteCloser = (*Screen)(nil)
