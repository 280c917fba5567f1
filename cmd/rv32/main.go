package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/rv32/internal/config"
	"github.com/tinyrange/rv32/internal/console"
	"github.com/tinyrange/rv32/internal/fdt"
	"github.com/tinyrange/rv32/internal/loader"
	"github.com/tinyrange/rv32/internal/rv32"
	"github.com/tinyrange/rv32/internal/trace"
)

var errDetached = errors.New("console detached")

func main() {
	if err := run(os.Args[1:]); err != nil {
		var halt *rv32.HaltError
		if errors.As(err, &halt) {
			os.Exit(exitStatus(halt.Code))
		}
		fmt.Fprintf(os.Stderr, "rv32: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "trace" {
		return runTrace(args[1:])
	}

	fs := flag.NewFlagSet("rv32", flag.ExitOnError)
	configPath := fs.String("config", "", "Machine description (YAML)")
	steps := fs.Uint64("steps", 0, "Stop after this many steps (0 runs until halt)")
	timeout := fs.Duration("timeout", 0, "Stop after this much wall time")
	tracePath := fs.String("trace", "", "Write a binary trap log to this file")
	timer := fs.String("timer", "", "mtime source: wall or step")
	screen := fs.String("screen", "", "Capture output on a headless COLSxROWS screen and print it at exit")
	dtb := fs.String("dtb", "", "Device tree: \"auto\" to generate one, or a .dtb file")
	bootargs := fs.String("bootargs", "", "Kernel command line for a generated device tree")
	network := fs.Bool("net", false, "Attach a virtio-net device backed by a user-mode network")
	pcapPath := fs.String("pcap", "", "Record guest network traffic to this pcap file")
	verbose := fs.Bool("v", false, "Debug logging, including console lines and a trap summary")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <image>[@addr] [image[@addr]...]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s trace [flags] <file>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run RV32IMA firmware and kernels on an emulated hart.\n\n")
		fmt.Fprintf(os.Stderr, "ELF images load at their physical addresses. Flat binaries load at\n")
		fmt.Fprintf(os.Stderr, "addr, or at the RAM base when no address is given.\n\n")
		fmt.Fprintf(os.Stderr, "Type Ctrl-A x to leave the console.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -dtb auto -bootargs console=ttyS0 fw_jump.elf Image@0x80400000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config virt.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -steps 1000000 -trace traps.bin test.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -net -pcap link.pcap -dtb auto fw_jump.elf Image@0x80400000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	for _, arg := range fs.Args() {
		img, err := parseImageArg(arg)
		if err != nil {
			return err
		}
		cfg.Images = append(cfg.Images, img)
	}
	if *tracePath != "" {
		cfg.Trace = *tracePath
	}
	if *timeout > 0 {
		cfg.Timeout = config.Duration(*timeout)
	}
	if *timer != "" {
		cfg.Timer.Source = *timer
	}
	if *screen != "" {
		s, err := parseScreen(*screen)
		if err != nil {
			return err
		}
		cfg.Console.Screen = s
	}
	if *dtb != "" {
		cfg.Boot.DeviceTree = *dtb
	}
	if *bootargs != "" {
		cfg.Boot.Bootargs = *bootargs
	}
	if *network {
		cfg.Devices.Net.Enabled = true
	}
	if *pcapPath != "" {
		cfg.Network.Capture = *pcapPath
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Images) == 0 {
		fs.Usage()
		return fmt.Errorf("at least one image is required")
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	// Console output.
	var out []io.Writer
	var scr *console.Screen
	if s := cfg.Console.Screen; s != nil {
		scr = console.NewScreen(s.Cols, s.Rows)
		defer scr.Close()
		out = append(out, scr)
	} else {
		out = append(out, os.Stdout)
	}
	var lines *console.LineLogger
	if level <= slog.LevelDebug {
		lines = console.NewLineLogger(log, slog.LevelDebug)
		defer lines.Flush()
		out = append(out, lines)
	}

	// Trap log. Without a file, debug runs only count traps by cause for
	// the summary at exit.
	var (
		traps *trace.Writer
		tally *trace.Tally
	)
	switch {
	case cfg.Trace != "":
		traps, err = trace.Create(cfg.Trace, "hart"+strconv.FormatUint(uint64(cfg.Boot.HartID), 10))
		if err != nil {
			return err
		}
	case level <= slog.LevelDebug:
		tally = &trace.Tally{}
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	opts.Output = io.MultiWriter(out...)
	opts.Logger = log
	switch {
	case traps != nil:
		opts.TrapHook = traps.Hook()
	case tally != nil:
		opts.TrapHook = tally.Hook()
	}

	m, err := rv32.NewMachine(opts)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	defer m.Close()

	if m.Net != nil {
		hostNet, err := attachNetwork(m, cfg, log)
		if err != nil {
			return fmt.Errorf("attach network: %w", err)
		}
		defer func() {
			st, nst := m.Net.Stats(), hostNet.stack.Stats()
			log.Info("network finished",
				"tx_frames", st.TxFrames,
				"rx_frames", st.RxFrames,
				"rx_dropped", st.RxDropped,
				"host_dropped", nst.Dropped,
			)
			if err := hostNet.Close(); err != nil {
				log.Warn("network shutdown", "error", err)
			}
		}()
	}

	entry, err := loadImages(m, cfg)
	if err != nil {
		return err
	}
	if err := loadDeviceTree(m, cfg, opts.Layout); err != nil {
		return err
	}
	pc := entry
	if cfg.Boot.PC != nil {
		pc = uint64(*cfg.Boot.PC)
	}
	if pc > 0xffff_ffff {
		return fmt.Errorf("boot pc 0x%x does not fit a 32-bit pc", pc)
	}
	m.Boot(uint32(pc), uint32(cfg.DTBAddress()))
	if traps != nil {
		traps.Note(fmt.Sprintf("boot pc=0x%08x dtb=0x%08x", pc, cfg.DTBAddress()))
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	if d := cfg.Timeout.Duration(); d > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, d)
		defer stop()
	}

	if m.UART != nil {
		host := console.NewHost(os.Stdin)
		if host.IsTerminal() && scr == nil {
			if err := host.MakeRaw(); err != nil {
				return err
			}
			defer host.Restore()
		}
		go func() {
			err := host.Pump(ctx, m.UART, func() { cancel(errDetached) })
			if err != nil && ctx.Err() == nil {
				log.Warn("console input stopped", "error", err)
			}
		}()
	}

	start := time.Now()
	if *steps > 0 {
		err = runSteps(ctx, m, *steps)
	} else {
		err = m.Run(ctx)
	}

	stats := m.Stats()
	log.Info("run finished",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"cycles", stats.Cycles,
		"instret", stats.Instret,
		"traps", stats.Traps,
		"tlb_hits", stats.TLBHits,
		"tlb_misses", stats.TLBMisses,
	)

	var halt *rv32.HaltError
	if traps != nil {
		if errors.As(err, &halt) {
			traps.Halt(halt.Code, stats.Cycles)
		}
		if cerr := traps.Close(); cerr != nil {
			log.Warn("trace log incomplete", "error", cerr)
		}
	}
	if tally != nil {
		logSummary(log, tally.Summary())
	}
	if lines != nil {
		lines.Flush()
	}
	if scr != nil {
		fmt.Fprintln(os.Stdout, scr.Snapshot())
	}

	switch {
	case err == nil:
		return nil
	case errors.As(err, &halt):
		if halt.Code == 0 {
			return nil
		}
		return err
	case errors.Is(context.Cause(ctx), errDetached):
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("timed out after %s", cfg.Timeout.Duration())
	}
	return err
}

// runSteps runs a bounded number of steps with a progress bar.
func runSteps(ctx context.Context, m *rv32.Machine, steps uint64) error {
	pb := progressbar.Default(int64(steps))
	defer pb.Close()

	chunk := max(steps/100, 1)
	for done := uint64(0); done < steps; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := m.RunN(min(chunk, steps-done))
		done += n
		pb.Add64(int64(n))
		if err != nil {
			return err
		}
	}
	return nil
}

// loadImages writes every configured image into guest memory and returns
// the entry point of the first one.
func loadImages(m *rv32.Machine, cfg *config.Machine) (uint64, error) {
	ramBase := uint64(cfg.RAM.Base)
	var entry uint64
	for i, img := range cfg.Images {
		addr := ramBase
		if img.Address != nil {
			addr = uint64(*img.Address)
		}
		loaded, err := loader.LoadFile(m, img.Path, &addr)
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", img.Path, err)
		}
		slog.Debug("loaded image",
			"path", img.Path,
			"format", loaded.Format.String(),
			"entry", fmt.Sprintf("0x%x", loaded.Entry),
			"end", fmt.Sprintf("0x%x", loaded.End()),
		)
		if i == 0 {
			entry = loaded.Entry
		}
	}
	return entry, nil
}

// loadDeviceTree places the generated or supplied blob at the boot DTB
// address.
func loadDeviceTree(m *rv32.Machine, cfg *config.Machine, layout *rv32.Layout) error {
	var (
		blob []byte
		err  error
	)
	switch cfg.Boot.DeviceTree {
	case "":
		return nil
	case config.DeviceTreeAuto:
		blob, err = fdt.Blob(fdt.Platform{
			HartID:            cfg.Boot.HartID,
			RAMBase:           uint64(cfg.RAM.Base),
			RAMSize:           uint64(cfg.RAM.Size),
			TimebaseFrequency: cfg.Timebase(),
			Bootargs:          cfg.Boot.Bootargs,
			Layout:            *layout,
		})
		if err != nil {
			return fmt.Errorf("generate device tree: %w", err)
		}
	default:
		blob, err = os.ReadFile(cfg.Boot.DeviceTree)
		if err != nil {
			return fmt.Errorf("read device tree: %w", err)
		}
		if _, err := fdt.Decode(blob); err != nil {
			return fmt.Errorf("%s: %w", cfg.Boot.DeviceTree, err)
		}
	}

	addr := cfg.DTBAddress()
	if end := uint64(cfg.RAM.Base) + uint64(cfg.RAM.Size); addr+uint64(len(blob)) > end {
		return fmt.Errorf("device tree at 0x%x (%d bytes) runs past the end of RAM", addr, len(blob))
	}
	if _, err := m.WriteAt(blob, int64(addr)); err != nil {
		return fmt.Errorf("write device tree: %w", err)
	}
	slog.Debug("loaded device tree", "addr", fmt.Sprintf("0x%x", addr), "size", len(blob))
	return nil
}

func logSummary(log *slog.Logger, counts []trace.CauseCount) {
	for _, c := range counts {
		log.Debug("trap summary", "cause", rv32.CauseName(c.Cause), "count", c.Count)
	}
}

// exitStatus maps a guest exit code to a process exit status. Codes a
// process cannot report become 1.
func exitStatus(code uint32) int {
	if code > 255 {
		return 1
	}
	return int(code)
}

// parseImageArg parses path[@addr].
func parseImageArg(arg string) (config.Image, error) {
	path, addrText, found := strings.Cut(arg, "@")
	if path == "" {
		return config.Image{}, fmt.Errorf("image %q: empty path", arg)
	}
	img := config.Image{Path: path}
	if found {
		v, err := strconv.ParseUint(addrText, 0, 64)
		if err != nil {
			return config.Image{}, fmt.Errorf("image %q: bad address: %w", arg, err)
		}
		addr := config.Addr(v)
		img.Address = &addr
	}
	return img, nil
}

// parseScreen parses COLSxROWS.
func parseScreen(s string) (*config.Screen, error) {
	colsText, rowsText, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return nil, fmt.Errorf("screen %q: expected COLSxROWS", s)
	}
	cols, err := strconv.Atoi(colsText)
	if err != nil {
		return nil, fmt.Errorf("screen %q: %w", s, err)
	}
	rows, err := strconv.Atoi(rowsText)
	if err != nil {
		return nil, fmt.Errorf("screen %q: %w", s, err)
	}
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("screen %q: size must be positive", s)
	}
	return &config.Screen{Cols: cols, Rows: rows}, nil
}
