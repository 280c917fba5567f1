package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/onsi/gomega"

	"github.com/tinyrange/rv32/internal/config"
	"github.com/tinyrange/rv32/internal/fdt"
	"github.com/tinyrange/rv32/internal/rv32"
	"github.com/tinyrange/rv32/internal/trace"
)

func writeProgram(t *testing.T, words ...uint32) string {
	t.Helper()
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, words)
	path := filepath.Join(t.TempDir(), "prog.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseImageArg(t *testing.T) {
	g := gomega.NewWithT(t)

	img, err := parseImageArg("fw_jump.elf")
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(img.Path).To(gomega.Equal("fw_jump.elf"))
	g.Expect(img.Address).To(gomega.BeNil())

	img, err = parseImageArg("Image@0x80400000")
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(img.Path).To(gomega.Equal("Image"))
	g.Expect(uint64(*img.Address)).To(gomega.Equal(uint64(0x8040_0000)))

	_, err = parseImageArg("@0x1000")
	g.Expect(err).To(gomega.HaveOccurred())
	_, err = parseImageArg("Image@nowhere")
	g.Expect(err).To(gomega.HaveOccurred())
}

func TestParseScreen(t *testing.T) {
	g := gomega.NewWithT(t)

	s, err := parseScreen("120X40")
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(s.Cols).To(gomega.Equal(120))
	g.Expect(s.Rows).To(gomega.Equal(40))

	for _, bad := range []string{"80", "0x24", "ax24", "80x-1"} {
		_, err := parseScreen(bad)
		g.Expect(err).To(gomega.HaveOccurred(), bad)
	}
}

func TestParseSearch(t *testing.T) {
	g := gomega.NewWithT(t)

	opts, err := parseSearch("trap, Halt", "7,0x80000005")
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(opts.Kinds).To(gomega.Equal([]trace.Kind{trace.KindTrap, trace.KindHalt}))
	g.Expect(opts.Causes).To(gomega.Equal([]uint32{7, rv32.CauseSTimerInt}))

	_, err = parseSearch("bogus", "")
	g.Expect(err).To(gomega.HaveOccurred())
	_, err = parseSearch("", "x")
	g.Expect(err).To(gomega.HaveOccurred())
}

func TestRunPass(t *testing.T) {
	g := gomega.NewWithT(t)

	prog := writeProgram(t,
		0x001002b7, // lui t0, 0x100
		0x00000397, // auipc t2, 0
		0x01038393, // addi t2, t2, 16
		0x30539073, // csrw mtvec, t2
		0x00000073, // ecall
		0x00005337, // lui t1, 0x5
		0x55530313, // addi t1, t1, 0x555
		0x0062a023, // sw t1, 0(t0)
	)
	tracePath := filepath.Join(t.TempDir(), "traps.bin")

	err := run([]string{"-timer", "step", "-screen", "40x5", "-dtb", "auto", "-trace", tracePath, prog})
	g.Expect(err).NotTo(gomega.HaveOccurred())

	r, closer, err := trace.Open(tracePath)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	defer closer.Close()

	var out bytes.Buffer
	g.Expect(printRecords(&out, r, trace.SearchOptions{})).To(gomega.Succeed())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	g.Expect(lines).To(gomega.HaveLen(3))
	g.Expect(lines[0]).To(gomega.ContainSubstring("hart0 note boot pc=0x80000000 dtb=0x80100000"))
	g.Expect(lines[1]).To(gomega.ContainSubstring(`trap cycle=4 pc=0x80000010 cause="environment call from M-mode"`))
	g.Expect(lines[1]).To(gomega.HaveSuffix("handler=0x80000014 M->M"))
	g.Expect(lines[2]).To(gomega.ContainSubstring("halt code=0"))
}

func TestRunFailExitCode(t *testing.T) {
	prog := writeProgram(t,
		0x001002b7, // lui t0, 0x100
		0x00033337, // lui t1, 0x33
		0x33330313, // addi t1, t1, 0x333
		0x0062a023, // sw t1, 0(t0)
	)

	err := run([]string{"-timer", "step", "-screen", "40x5", prog})
	var halt *rv32.HaltError
	if !errors.As(err, &halt) || halt.Code != 3 {
		t.Fatalf("expected halt code 3, got %v", err)
	}
}

func TestExitStatus(t *testing.T) {
	for code, want := range map[uint32]int{0: 0, 3: 3, 255: 255, 256: 1, 0xffff: 1} {
		if got := exitStatus(code); got != want {
			t.Errorf("exitStatus(%d): expected %d, got %d", code, want, got)
		}
	}
}

func TestRunFailWithoutCode(t *testing.T) {
	prog := writeProgram(t,
		0x001002b7, // lui t0, 0x100
		0x00003337, // lui t1, 0x3
		0x33330313, // addi t1, t1, 0x333
		0x0062a023, // sw t1, 0(t0)
	)

	err := run([]string{"-timer", "step", "-screen", "40x5", prog})
	var halt *rv32.HaltError
	if !errors.As(err, &halt) || halt.Code != 1 {
		t.Fatalf("expected halt code 1, got %v", err)
	}
}

func TestRunVerboseSummary(t *testing.T) {
	prog := writeProgram(t,
		0x001002b7, // lui t0, 0x100
		0x00000073, // ecall
	)

	if err := run([]string{"-timer", "step", "-screen", "40x5", "-steps", "200", "-v", prog}); err != nil {
		t.Fatalf("verbose run: %v", err)
	}
}

func TestRunBoundedSteps(t *testing.T) {
	// jal x0, 0
	prog := writeProgram(t, 0x0000006f)

	if err := run([]string{"-timer", "step", "-screen", "40x5", "-steps", "500", prog}); err != nil {
		t.Fatalf("bounded run: %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	prog := writeProgram(t, 0x0000006f)

	err := run([]string{"-timer", "step", "-screen", "40x5", "-timeout", "50ms", prog})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestRunWithNetwork(t *testing.T) {
	g := gomega.NewWithT(t)

	prog := writeProgram(t,
		0x001002b7, // lui t0, 0x100
		0x00005337, // lui t1, 0x5
		0x55530313, // addi t1, t1, 0x555
		0x0062a023, // sw t1, 0(t0)
	)
	capture := filepath.Join(t.TempDir(), "link.pcap")

	err := run([]string{"-timer", "step", "-screen", "40x5", "-net", "-pcap", capture, "-dtb", "auto", prog})
	g.Expect(err).NotTo(gomega.HaveOccurred())

	data, err := os.ReadFile(capture)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(data).To(gomega.HaveLen(24), "header only, the guest sent nothing")
	g.Expect(binary.LittleEndian.Uint32(data)).To(gomega.Equal(uint32(0xa1b2c3d4)))
}

func TestAttachNetwork(t *testing.T) {
	g := gomega.NewWithT(t)

	cfg := config.Default()
	cfg.RAM.Size = 1 << 20
	cfg.Devices.Net.Enabled = true
	cfg.Network.Capture = filepath.Join(t.TempDir(), "link.pcap")
	g.Expect(cfg.Validate()).To(gomega.Succeed())
	opts, err := cfg.Options()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	m, err := rv32.NewMachine(opts)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	defer m.Close()

	h, err := attachNetwork(m, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g.Expect(err).NotTo(gomega.HaveOccurred())

	// ARP for the host address, as the guest would send it
	mac := m.Net.MAC()
	req := make([]byte, 42)
	copy(req[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(req[6:12], mac[:])
	binary.BigEndian.PutUint16(req[12:14], 0x0806)
	copy(req[14:22], []byte{0, 1, 8, 0, 6, 4, 0, 1})
	copy(req[22:28], mac[:])
	copy(req[28:32], []byte{10, 42, 0, 2})
	copy(req[38:42], []byte{10, 42, 0, 1})
	g.Expect(m.Net.Transmit(req)).To(gomega.Succeed())
	g.Expect(h.stack.Stats().FramesOut).To(gomega.Equal(uint64(1)), "arp reply queued for the guest")
	g.Expect(h.Close()).To(gomega.Succeed())

	data, err := os.ReadFile(cfg.Network.Capture)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(len(data)).To(gomega.Equal(24 + 16 + 42 + 16 + 42))
}

func TestLoadDeviceTree(t *testing.T) {
	g := gomega.NewWithT(t)

	cfg := config.Default()
	cfg.RAM.Size = 16 << 20
	cfg.Boot.DeviceTree = config.DeviceTreeAuto
	cfg.Boot.Bootargs = "console=ttyS0"
	g.Expect(cfg.Validate()).To(gomega.Succeed())

	opts, err := cfg.Options()
	g.Expect(err).NotTo(gomega.HaveOccurred())
	m, err := rv32.NewMachine(opts)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	defer m.Close()

	g.Expect(loadDeviceTree(m, cfg, opts.Layout)).To(gomega.Succeed())

	blob := make([]byte, 4096)
	_, err = m.ReadAt(blob, int64(rv32.RAMBase+config.DefaultDTBOffset))
	g.Expect(err).NotTo(gomega.HaveOccurred())
	root, err := fdt.Decode(blob)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	args, _ := root.Find("/chosen").Property("bootargs")
	g.Expect(args.String()).To(gomega.Equal("console=ttyS0"))

	// A supplied blob must parse.
	bad := filepath.Join(t.TempDir(), "bad.dtb")
	g.Expect(os.WriteFile(bad, []byte("not a device tree at all, really not"), 0o644)).To(gomega.Succeed())
	cfg.Boot.DeviceTree = bad
	g.Expect(loadDeviceTree(m, cfg, opts.Layout)).To(gomega.MatchError(fdt.ErrMalformed))

	// The blob must fit below the end of RAM.
	cfg.Boot.DeviceTree = config.DeviceTreeAuto
	cfg.Boot.DTB = config.Addr(rv32.RAMBase + 16<<20 - 64)
	g.Expect(loadDeviceTree(m, cfg, opts.Layout)).To(gomega.MatchError(gomega.ContainSubstring("past the end of RAM")))
}
