// Package trace records trap entries to a compact binary log.
//
// Each record is a 16 byte header followed by the source name and the
// payload:
//   - 2 bytes kind (0 = invalid, 1 = trap, 2 = halt, 3 = note)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//
// Writers reserve space by atomically advancing the file offset, so
// several goroutines may share one log.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/rv32/internal/rv32"
)

// Kind identifies a record payload.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindTrap
	KindHalt
	KindNote
)

func (k Kind) String() string {
	switch k {
	case KindTrap:
		return "trap"
	case KindHalt:
		return "halt"
	case KindNote:
		return "note"
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

const (
	headerSize = 16
	trapSize   = 28
	haltSize   = 12
)

func encodeHeader(kind Kind, source string, payload []byte, ts time.Time) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts.UnixNano()))
	return header
}

func decodeHeader(header []byte) (kind Kind, sourceLength uint16, payloadLength uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	payloadLength = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

func encodeTrap(ev rv32.TrapEvent) []byte {
	b := make([]byte, trapSize)
	binary.LittleEndian.PutUint64(b[0:8], ev.Cycle)
	binary.LittleEndian.PutUint32(b[8:12], ev.PC)
	binary.LittleEndian.PutUint32(b[12:16], ev.Cause)
	binary.LittleEndian.PutUint32(b[16:20], ev.Tval)
	binary.LittleEndian.PutUint32(b[20:24], ev.Handler)
	b[24] = ev.From
	b[25] = ev.To
	return b
}

func decodeTrap(b []byte) (rv32.TrapEvent, error) {
	if len(b) < trapSize {
		return rv32.TrapEvent{}, fmt.Errorf("trap record too short: %d bytes", len(b))
	}
	return rv32.TrapEvent{
		Cycle:   binary.LittleEndian.Uint64(b[0:8]),
		PC:      binary.LittleEndian.Uint32(b[8:12]),
		Cause:   binary.LittleEndian.Uint32(b[12:16]),
		Tval:    binary.LittleEndian.Uint32(b[16:20]),
		Handler: binary.LittleEndian.Uint32(b[20:24]),
		From:    b[24],
		To:      b[25],
	}, nil
}

// Writer appends records to an io.WriterAt.
type Writer struct {
	w      io.WriterAt
	closer io.Closer
	source string
	offset atomic.Int64

	mu  sync.Mutex
	err error

	// now is replaced in tests
	now func() time.Time
}

// NewWriter writes records tagged with source to w, starting at offset 0.
func NewWriter(w io.WriterAt, source string) *Writer {
	tw := &Writer{w: w, source: source, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

// Create truncates path and opens a Writer on it.
func Create(path, source string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	return NewWriter(f, source), nil
}

func (w *Writer) write(kind Kind, payload []byte) error {
	header := encodeHeader(kind, w.source, payload, w.now())
	size := int64(headerSize + len(w.source) + len(payload))
	off := w.offset.Add(size) - size

	buf := make([]byte, 0, size)
	buf = append(buf, header...)
	buf = append(buf, w.source...)
	buf = append(buf, payload...)
	if _, err := w.w.WriteAt(buf, off); err != nil {
		w.fail(err)
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Trap records a trap entry.
func (w *Writer) Trap(ev rv32.TrapEvent) error {
	return w.write(KindTrap, encodeTrap(ev))
}

// Halt records the end of a run.
func (w *Writer) Halt(code uint32, cycles uint64) error {
	b := make([]byte, haltSize)
	binary.LittleEndian.PutUint32(b[0:4], code)
	binary.LittleEndian.PutUint64(b[4:12], cycles)
	return w.write(KindHalt, b)
}

// Note records free-form text.
func (w *Writer) Note(text string) error {
	return w.write(KindNote, []byte(text))
}

// Hook returns a trap hook for rv32.Options. Write errors are kept and
// reported by Err and Close.
func (w *Writer) Hook() func(rv32.TrapEvent) {
	return func(ev rv32.TrapEvent) {
		_ = w.Trap(ev)
	}
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.offset.Load()
}

// Err returns the first write error.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close closes the underlying file and reports the first write error.
func (w *Writer) Close() error {
	err := w.Err()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}

type write struct {
	off  int64
	data []byte
}

// Buffer is an in-memory io.WriterAt for short traces. It grows without
// bound; long runs count traps with a Tally instead.
type Buffer struct {
	data    sync.Map
	maxSize atomic.Int64
}

// WriteAt implements io.WriterAt.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	b.data.Store(off, write{off: off, data: append([]byte{}, p...)})
	end := off + int64(len(p))
	for {
		cur := b.maxSize.Load()
		if cur >= end || b.maxSize.CompareAndSwap(cur, end) {
			break
		}
	}
	return len(p), nil
}

// Bytes assembles the buffered writes.
func (b *Buffer) Bytes() []byte {
	data := make([]byte, b.maxSize.Load())
	b.data.Range(func(key, value any) bool {
		w := value.(write)
		copy(data[w.off:], w.data)
		return true
	})
	return data
}
