package trace

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/tinyrange/rv32/internal/rv32"
)

// Record is one decoded log entry. Only the fields for Kind are set.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string

	Trap rv32.TrapEvent // KindTrap

	Code   uint32 // KindHalt
	Cycles uint64 // KindHalt

	Text string // KindNote
}

// SearchOptions filters records. Zero fields match everything.
type SearchOptions struct {
	Kinds []Kind

	// Causes restricts trap records to the given mcause/scause values.
	Causes []uint32

	Start time.Time
	End   time.Time

	// LimitStart keeps the first N matches, LimitEnd the last N. Setting
	// both is an error.
	LimitStart int
	LimitEnd   int
}

func (o SearchOptions) validate() error {
	if o.LimitStart > 0 && o.LimitEnd > 0 {
		return fmt.Errorf("cannot set both LimitStart and LimitEnd")
	}
	return nil
}

type indexEntry struct {
	offset   int64
	kind     Kind
	unixNano int64
	cause    uint32
}

// Reader indexes a trace log for iteration and search.
type Reader struct {
	r     io.ReaderAt
	index []indexEntry

	earliest int64
	latest   int64

	// truncated is set when the log ends inside a record.
	truncated bool
}

// NewReader indexes size bytes of r. A record cut short at the end of the
// log is ignored and reported by Truncated.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	ret := &Reader{r: r}
	if err := ret.indexAll(io.NewSectionReader(r, 0, size)); err != nil {
		return nil, fmt.Errorf("failed to index trace: %w", err)
	}
	return ret, nil
}

// Open indexes the log at path. The returned closer releases the file.
func Open(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

// FromBytes indexes an in-memory log, such as Buffer.Bytes.
func FromBytes(data []byte) (*Reader, error) {
	return NewReader(bytes.NewReader(data), int64(len(data)))
}

func (r *Reader) indexAll(sr *io.SectionReader) error {
	br := bufio.NewReaderSize(sr, 1<<20)
	var header [headerSize]byte
	var offset int64

	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				r.truncated = true
				return nil
			}
			return fmt.Errorf("failed to read header: %w", err)
		}
		kind, sourceLength, payloadLength, ts := decodeHeader(header[:])
		if kind == KindInvalid {
			return fmt.Errorf("invalid header at offset %d", offset)
		}

		if _, err := br.Discard(int(sourceLength)); err != nil {
			r.truncated = true
			return nil
		}
		entry := indexEntry{offset: offset, kind: kind, unixNano: ts}
		if kind == KindTrap {
			var payload [trapSize]byte
			n, err := io.ReadFull(br, payload[:min(int(payloadLength), trapSize)])
			if err != nil {
				r.truncated = true
				return nil
			}
			if n >= 16 {
				entry.cause = binary.LittleEndian.Uint32(payload[12:16])
			}
			if _, err := br.Discard(int(payloadLength) - n); err != nil {
				r.truncated = true
				return nil
			}
		} else if _, err := br.Discard(int(payloadLength)); err != nil {
			r.truncated = true
			return nil
		}

		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if ts > r.latest {
			r.latest = ts
		}
		r.index = append(r.index, entry)
		offset += headerSize + int64(sourceLength) + int64(payloadLength)
	}
}

// Truncated reports whether the log ended inside a record.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// TimeRange returns the earliest and latest timestamps in the log.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

func (r *Reader) match(opts SearchOptions) []indexEntry {
	kinds := map[Kind]bool{}
	for _, k := range opts.Kinds {
		kinds[k] = true
	}
	causes := map[uint32]bool{}
	for _, c := range opts.Causes {
		causes[c] = true
	}

	var entries []indexEntry
	for _, e := range r.index {
		if len(kinds) > 0 && !kinds[e.kind] {
			continue
		}
		if len(causes) > 0 && (e.kind != KindTrap || !causes[e.cause]) {
			continue
		}
		ts := time.Unix(0, e.unixNano)
		if !opts.Start.IsZero() && ts.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && ts.After(opts.End) {
			continue
		}
		entries = append(entries, e)
	}

	if opts.LimitStart > 0 && len(entries) > opts.LimitStart {
		entries = entries[:opts.LimitStart]
	}
	if opts.LimitEnd > 0 && len(entries) > opts.LimitEnd {
		entries = entries[len(entries)-opts.LimitEnd:]
	}
	return entries
}

func (r *Reader) read(e indexEntry) (Record, error) {
	var header [headerSize]byte
	if _, err := r.r.ReadAt(header[:], e.offset); err != nil {
		return Record{}, err
	}
	kind, sourceLength, payloadLength, ts := decodeHeader(header[:])

	buf := make([]byte, int(sourceLength)+int(payloadLength))
	if _, err := r.r.ReadAt(buf, e.offset+headerSize); err != nil {
		return Record{}, err
	}
	rec := Record{
		Time:   time.Unix(0, ts),
		Kind:   kind,
		Source: string(buf[:sourceLength]),
	}
	payload := buf[sourceLength:]

	switch kind {
	case KindTrap:
		ev, err := decodeTrap(payload)
		if err != nil {
			return Record{}, err
		}
		rec.Trap = ev
	case KindHalt:
		if len(payload) < haltSize {
			return Record{}, fmt.Errorf("halt record too short: %d bytes", len(payload))
		}
		rec.Code = binary.LittleEndian.Uint32(payload[0:4])
		rec.Cycles = binary.LittleEndian.Uint64(payload[4:12])
	case KindNote:
		rec.Text = string(payload)
	}
	return rec, nil
}

// Search calls fn for every matching record in the order written.
func (r *Reader) Search(opts SearchOptions, fn func(Record) error) error {
	if err := opts.validate(); err != nil {
		return err
	}
	for _, e := range r.match(opts) {
		rec, err := r.read(e)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Each calls fn for every record in the order written.
func (r *Reader) Each(fn func(Record) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Count returns the number of matching records.
func (r *Reader) Count(opts SearchOptions) (int, error) {
	if err := opts.validate(); err != nil {
		return 0, err
	}
	return len(r.match(opts)), nil
}

// CauseCount is the number of traps with one cause.
type CauseCount struct {
	Cause uint32
	Count int
}

func (c CauseCount) String() string {
	return fmt.Sprintf("%s: %d", rv32.CauseName(c.Cause), c.Count)
}

// Summary counts traps by cause, most frequent first.
func (r *Reader) Summary() []CauseCount {
	counts := map[uint32]int{}
	for _, e := range r.index {
		if e.kind == KindTrap {
			counts[e.cause]++
		}
	}
	return sortCounts(counts)
}

func sortCounts(counts map[uint32]int) []CauseCount {
	out := make([]CauseCount, 0, len(counts))
	for cause, n := range counts {
		out = append(out, CauseCount{Cause: cause, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Cause < out[j].Cause
	})
	return out
}
