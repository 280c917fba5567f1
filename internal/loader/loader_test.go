package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/rv32/internal/rv32"
)

// physMem is a WriterAt over a window of physical memory.
type physMem struct {
	base uint64
	data []byte
}

func newPhysMem(base uint64, size int) *physMem {
	m := &physMem{base: base, data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = 0xaa
	}
	return m
}

func (m *physMem) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if addr < m.base || addr-m.base+uint64(len(p)) > uint64(len(m.data)) {
		return 0, fmt.Errorf("write [%#x, %#x) outside memory", addr, addr+uint64(len(p)))
	}
	return copy(m.data[addr-m.base:], p), nil
}

func (m *physMem) at(addr uint64, n int) []byte {
	return m.data[addr-m.base : addr-m.base+uint64(n)]
}

type testSegment struct {
	vaddr, paddr uint32
	data         []byte
	memsz        uint32
}

// buildELF assembles a minimal ELF32 executable with one program header per
// segment and no section headers.
func buildELF(t *testing.T, machine elf.Machine, entry uint32, segs ...testSegment) []byte {
	t.Helper()
	const ehsize, phsize = 52, 32

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     uint16(len(segs)),
	}
	copy(hdr.Ident[:], elfMagic)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}

	off := uint32(ehsize + phsize*len(segs))
	for _, s := range segs {
		prog := elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    off,
			Vaddr:  s.vaddr,
			Paddr:  s.paddr,
			Filesz: uint32(len(s.data)),
			Memsz:  s.memsz,
			Flags:  uint32(elf.PF_R | elf.PF_X),
			Align:  4,
		}
		if err := binary.Write(buf, binary.LittleEndian, &prog); err != nil {
			t.Fatal(err)
		}
		off += uint32(len(s.data))
	}
	for _, s := range segs {
		buf.Write(s.data)
	}
	return buf.Bytes()
}

func TestLoadELF(t *testing.T) {
	mem := newPhysMem(0x8000_0000, 0x10000)
	text := []byte{0x13, 0x05, 0x10, 0x00} // addi a0, zero, 1
	file := buildELF(t, elf.EM_RISCV, 0x8000_0000,
		testSegment{vaddr: 0x8000_0000, paddr: 0x8000_0000, data: text, memsz: 4},
		testSegment{vaddr: 0x8000_1000, paddr: 0x8000_1000, data: []byte{1, 2, 3}, memsz: 16},
	)

	img, err := LoadELF(mem, bytes.NewReader(file))
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	if img.Format != FormatELF || img.Entry != 0x8000_0000 {
		t.Fatalf("image: format %s entry %#x", img.Format, img.Entry)
	}
	if len(img.Segments) != 2 || img.End() != 0x8000_1010 {
		t.Fatalf("segments %+v end %#x", img.Segments, img.End())
	}
	if !bytes.Equal(mem.at(0x8000_0000, 4), text) {
		t.Fatalf("text: % x", mem.at(0x8000_0000, 4))
	}
	want := append([]byte{1, 2, 3}, make([]byte, 13)...)
	if got := mem.at(0x8000_1000, 16); !bytes.Equal(got, want) {
		t.Fatalf("data with bss: % x", got)
	}
	if mem.at(0x8000_1010, 1)[0] != 0xaa {
		t.Fatalf("zero fill ran past memsz")
	}
}

func TestLoadELFPhysicalAddresses(t *testing.T) {
	mem := newPhysMem(0x8040_0000, 0x1000)
	file := buildELF(t, elf.EM_RISCV, 0xc000_0010,
		testSegment{vaddr: 0xc000_0000, paddr: 0x8040_0000, data: make([]byte, 32), memsz: 32},
	)

	img, err := LoadELF(mem, bytes.NewReader(file))
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	if img.Entry != 0x8040_0010 {
		t.Fatalf("entry: expected physical 0x80400010, got %#x", img.Entry)
	}
	if img.Segments[0].Addr != 0x8040_0000 {
		t.Fatalf("segment loaded at %#x", img.Segments[0].Addr)
	}
}

func TestLoadELFRejects(t *testing.T) {
	mem := newPhysMem(0x8000_0000, 0x1000)
	seg := testSegment{vaddr: 0x8000_0000, paddr: 0x8000_0000, data: []byte{0}, memsz: 4}

	_, err := LoadELF(mem, bytes.NewReader(buildELF(t, elf.EM_AARCH64, 0x8000_0000, seg)))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("wrong machine: expected ErrUnsupported, got %v", err)
	}

	_, err = LoadELF(mem, bytes.NewReader(buildELF(t, elf.EM_RISCV, 0x8000_0000)))
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("no segments: expected ErrUnsupported, got %v", err)
	}

	outside := testSegment{vaddr: 0x9000_0000, paddr: 0x9000_0000, data: []byte{0}, memsz: 4}
	if _, err := LoadELF(mem, bytes.NewReader(buildELF(t, elf.EM_RISCV, 0x9000_0000, outside))); err == nil {
		t.Errorf("segment outside memory loaded")
	}

	if _, err := LoadELF(mem, bytes.NewReader([]byte("\x7fELF garbage"))); err == nil {
		t.Errorf("truncated header accepted")
	}
}

func TestLoadFlat(t *testing.T) {
	mem := newPhysMem(0x8000_0000, 0x1000)

	img, err := LoadFlat(mem, bytes.NewReader([]byte("firmware")), 0x8000_0100)
	if err != nil {
		t.Fatalf("LoadFlat: %v", err)
	}
	if img.Format != FormatFlat || img.Entry != 0x8000_0100 || img.End() != 0x8000_0108 {
		t.Fatalf("image %+v", img)
	}
	if string(mem.at(0x8000_0100, 8)) != "firmware" {
		t.Fatalf("contents: %q", mem.at(0x8000_0100, 8))
	}
}

func TestLoadFileSniffsFormat(t *testing.T) {
	dir := t.TempDir()
	mem := newPhysMem(0x8000_0000, 0x2000)

	elfPath := filepath.Join(dir, "fw.elf")
	file := buildELF(t, elf.EM_RISCV, 0x8000_0000,
		testSegment{vaddr: 0x8000_0000, paddr: 0x8000_0000, data: []byte{0x73, 0, 0, 0}, memsz: 4})
	if err := os.WriteFile(elfPath, file, 0o644); err != nil {
		t.Fatal(err)
	}
	flatPath := filepath.Join(dir, "Image")
	if err := os.WriteFile(flatPath, []byte{1, 2, 3, 4}, 0o644); err != nil {
		t.Fatal(err)
	}

	addr := uint64(0x8000_1000)
	img, err := LoadFile(mem, elfPath, &addr)
	if err != nil || img.Format != FormatELF || img.Entry != 0x8000_0000 {
		t.Fatalf("elf: %+v, %v", img, err)
	}

	img, err = LoadFile(mem, flatPath, &addr)
	if err != nil || img.Format != FormatFlat || img.Entry != addr {
		t.Fatalf("flat: %+v, %v", img, err)
	}
	if !bytes.Equal(mem.at(addr, 4), []byte{1, 2, 3, 4}) {
		t.Fatalf("flat contents: % x", mem.at(addr, 4))
	}

	if _, err := LoadFile(mem, flatPath, nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("flat without address: expected ErrUnsupported, got %v", err)
	}
	if _, err := LoadFile(mem, filepath.Join(dir, "missing"), &addr); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file: %v", err)
	}
}

func TestLoadIntoMachine(t *testing.T) {
	m, err := rv32.NewMachine(rv32.Options{
		RAMSize: 1 << 20,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	// li t0, 0x100000; li t1, 0x5555; sw t1, 0(t0)
	code := []uint32{0x001002b7, 0x00005337, 0x55530313, 0x0062a023}
	text := make([]byte, 4*len(code))
	for i, insn := range code {
		binary.LittleEndian.PutUint32(text[4*i:], insn)
	}
	file := buildELF(t, elf.EM_RISCV, uint32(rv32.RAMBase),
		testSegment{vaddr: uint32(rv32.RAMBase), paddr: uint32(rv32.RAMBase), data: text, memsz: uint32(len(text))})

	img, err := LoadELF(m, bytes.NewReader(file))
	if err != nil {
		t.Fatalf("LoadELF: %v", err)
	}
	m.Boot(uint32(img.Entry), 0)

	if _, err := m.RunN(100); !errors.Is(err, rv32.ErrHalted) {
		t.Fatalf("expected the loaded program to halt, got %v", err)
	}
}
