// Package loader places guest images in physical memory.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnsupported is returned for images the machine cannot run.
var ErrUnsupported = errors.New("unsupported image")

// Format identifies how an image was loaded.
type Format int

const (
	FormatFlat Format = iota
	FormatELF
)

func (f Format) String() string {
	if f == FormatELF {
		return "elf"
	}
	return "flat"
}

// Segment is a physical range written by the loader.
type Segment struct {
	Addr uint64
	Size uint64 // bytes in memory, including zero fill
}

// Image describes a loaded image.
type Image struct {
	Format   Format
	Entry    uint64 // physical entry point
	Segments []Segment
}

// End returns the first physical address past the image.
func (img *Image) End() uint64 {
	var end uint64
	for _, s := range img.Segments {
		end = max(end, s.Addr+s.Size)
	}
	return end
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// LoadFile loads path into mem. ELF files are placed by their program
// headers; anything else is a flat binary and needs addr.
func LoadFile(mem io.WriterAt, path string, addr *uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	magic := make([]byte, len(elfMagic))
	n, err := f.ReadAt(magic, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	if n == len(magic) && bytes.Equal(magic, elfMagic) {
		img, err := LoadELF(mem, f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return img, nil
	}

	if addr == nil {
		return nil, fmt.Errorf("%w: %s is not ELF and has no load address", ErrUnsupported, path)
	}
	return LoadFlat(mem, f, *addr)
}

// LoadFlat copies a raw binary to addr. The entry point is addr.
func LoadFlat(mem io.WriterAt, r io.Reader, addr uint64) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read flat image: %w", err)
	}
	if _, err := mem.WriteAt(data, int64(addr)); err != nil {
		return nil, fmt.Errorf("write flat image at %#x: %w", addr, err)
	}
	return &Image{
		Format:   FormatFlat,
		Entry:    addr,
		Segments: []Segment{{Addr: addr, Size: uint64(len(data))}},
	}, nil
}

// LoadELF loads the PT_LOAD segments of a 32-bit little-endian RISC-V ELF
// file at their physical addresses. Bytes between filesz and memsz are
// zeroed.
func LoadELF(mem io.WriterAt, r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("%w: ELF class %v (want ELFCLASS32)", ErrUnsupported, f.Class)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: ELF data encoding %v (want little endian)", ErrUnsupported, f.Data)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("%w: ELF machine %v (want RISC-V)", ErrUnsupported, f.Machine)
	}

	img := &Image{Format: FormatELF, Entry: f.Entry}
	entryMapped := false
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("ELF segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}

		phys := prog.Paddr
		if phys == 0 {
			phys = prog.Vaddr
		}

		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil && err != io.EOF {
				return nil, fmt.Errorf("read ELF segment @%#x: %w", prog.Off, err)
			}
		}
		if _, err := mem.WriteAt(data, int64(phys)); err != nil {
			return nil, fmt.Errorf("write ELF segment at %#x: %w", phys, err)
		}
		if err := zeroFill(mem, phys+prog.Filesz, prog.Memsz-prog.Filesz); err != nil {
			return nil, err
		}
		img.Segments = append(img.Segments, Segment{Addr: phys, Size: prog.Memsz})

		// Linked virtual, loaded physical: translate the entry point too.
		if !entryMapped && f.Entry >= prog.Vaddr && f.Entry < prog.Vaddr+prog.Memsz {
			img.Entry = f.Entry - prog.Vaddr + phys
			entryMapped = true
		}
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("%w: ELF file has no loadable segments", ErrUnsupported)
	}
	return img, nil
}

const zeroChunk = 64 << 10

func zeroFill(mem io.WriterAt, addr, n uint64) error {
	if n == 0 {
		return nil
	}
	zeros := make([]byte, min(n, zeroChunk))
	for n > 0 {
		chunk := min(n, uint64(len(zeros)))
		if _, err := mem.WriteAt(zeros[:chunk], int64(addr)); err != nil {
			return fmt.Errorf("zero fill at %#x: %w", addr, err)
		}
		addr += chunk
		n -= chunk
	}
	return nil
}
