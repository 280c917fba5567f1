// Package pcap writes classic libpcap capture files.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT value for Ethernet frames.
const LinkTypeEthernet uint32 = 1

// DefaultSnapLen bounds the bytes kept per frame.
const DefaultSnapLen = 65535

var (
	// ErrHeaderAlreadyWritten is returned by a second WriteFileHeader.
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	// ErrHeaderNotWritten is returned for packets written before the header.
	ErrHeaderNotWritten = errors.New("pcap: file header not written")
)

// CaptureInfo describes one record. Timestamps are stored with microsecond
// resolution.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// Writer emits a pcap stream. It is safe for concurrent use; records are
// never interleaved.
type Writer struct {
	mu            sync.Mutex
	w             io.Writer
	headerWritten bool
	snapLen       uint32

	// Now stamps records written by Capture.
	Now func() time.Time
}

// NewWriter wraps out. WriteFileHeader must be called before any packet.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out, Now: time.Now}
}

// WriteFileHeader writes the 24 byte global header.
func (w *Writer) WriteFileHeader(snapLen uint32, linkType uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}

	w.snapLen = snapLen
	w.headerWritten = true
	return nil
}

// WritePacket appends a record. CaptureLength bytes of data are stored.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.headerWritten {
		return ErrHeaderNotWritten
	}
	switch {
	case ci.CaptureLength < 0 || ci.Length < 0:
		return fmt.Errorf("pcap: negative length %d/%d", ci.CaptureLength, ci.Length)
	case ci.CaptureLength > len(data):
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d", ci.CaptureLength, len(data))
	case ci.Length > math.MaxUint32:
		return fmt.Errorf("pcap: original length %d overflows uint32", ci.Length)
	case w.snapLen != 0 && uint64(ci.CaptureLength) > uint64(w.snapLen):
		return fmt.Errorf("pcap: capture length %d exceeds snap length %d", ci.CaptureLength, w.snapLen)
	}

	var sec, usec uint32
	if !ci.Timestamp.IsZero() {
		s := ci.Timestamp.Unix()
		if s < 0 || s > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", s)
		}
		sec = uint32(s)
		usec = uint32(ci.Timestamp.Nanosecond() / 1_000)
	}

	// header and data go out in one write
	rec := make([]byte, 16+ci.CaptureLength)
	binary.LittleEndian.PutUint32(rec[0:4], sec)
	binary.LittleEndian.PutUint32(rec[4:8], usec)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(ci.CaptureLength))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(ci.Length))
	copy(rec[16:], data[:ci.CaptureLength])
	if _, err := w.w.Write(rec); err != nil {
		return fmt.Errorf("pcap: write record: %w", err)
	}
	return nil
}

// Capture records frame stamped with the current time, truncated to the
// snap length.
func (w *Writer) Capture(frame []byte) error {
	w.mu.Lock()
	snap := int(w.snapLen)
	w.mu.Unlock()

	n := len(frame)
	if snap != 0 && n > snap {
		n = snap
	}
	return w.WritePacket(CaptureInfo{
		Timestamp:     w.Now(),
		CaptureLength: n,
		Length:        len(frame),
	}, frame)
}
