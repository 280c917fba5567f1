// Package config describes a machine in YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rv32/internal/rv32"
)

// ErrInvalid is wrapped by every error Validate reports.
var ErrInvalid = errors.New("invalid machine config")

// Machine is a complete machine description.
type Machine struct {
	RAM      RAM      `yaml:"ram"`
	Timer    Timer    `yaml:"timer"`
	Devices  Devices  `yaml:"devices"`
	TLB      bool     `yaml:"tlb"`
	Boot     Boot     `yaml:"boot"`
	Images   []Image  `yaml:"images"`
	Trace    string   `yaml:"trace"`
	Console  Console  `yaml:"console"`
	Network  Network  `yaml:"network"`
	LogLevel string   `yaml:"log_level"`
	Timeout  Duration `yaml:"timeout"`
}

// RAM places guest memory.
type RAM struct {
	Base Addr `yaml:"base"`
	Size Size `yaml:"size"`
}

// Timer selects the mtime source. Frequency is ticks per step for "step"
// and Hz for "wall"; zero picks the source's default.
type Timer struct {
	Source    string `yaml:"source"`
	Frequency uint64 `yaml:"frequency"`
}

// Device places one platform device.
type Device struct {
	Base    Addr `yaml:"base"`
	Enabled bool `yaml:"enabled"`
}

// Devices is the platform device map.
type Devices struct {
	CLINT    Device `yaml:"clint"`
	PLIC     Device `yaml:"plic"`
	UART     Device `yaml:"uart"`
	Finisher Device `yaml:"finisher"`
	Net      Device `yaml:"net"`
}

// Boot holds the initial hart state. A nil PC means the ELF entry point,
// or the RAM base for flat images.
type Boot struct {
	PC     *Addr  `yaml:"pc"`
	HartID uint32 `yaml:"hartid"`
	DTB    Addr   `yaml:"dtb"`

	// DeviceTree is "auto" to generate a tree for this machine, a path to
	// a blob, or empty for none. It is placed at DTB, or DefaultDTBOffset
	// into RAM when DTB is zero.
	DeviceTree string `yaml:"devicetree"`
	Bootargs   string `yaml:"bootargs"`
}

// DeviceTreeAuto selects a generated device tree.
const DeviceTreeAuto = "auto"

// DefaultDTBOffset is where the device tree goes when boot.dtb is unset.
const DefaultDTBOffset = 0x100000

// Image is a file to load into guest memory. Flat binaries load at
// Address, or at the RAM base when it is nil. ELF files ignore it.
type Image struct {
	Path    string `yaml:"path"`
	Address *Addr  `yaml:"address"`
}

// Console configures the host side of the UART.
type Console struct {
	// Screen enables headless capture of guest output.
	Screen *Screen `yaml:"screen"`
}

// Screen is the size of the headless terminal.
type Screen struct {
	Cols int `yaml:"cols"`
	Rows int `yaml:"rows"`
}

// Network configures the host side of the virtio-net device.
type Network struct {
	// MAC is the guest address, "02:00:00:01:02:03" when empty.
	MAC string `yaml:"mac"`
	// Capture is a pcap file recording every frame on the link.
	Capture string `yaml:"capture"`
	// DNS answers guest queries sent to the host address.
	DNS bool `yaml:"dns"`
	// Resolve lets DNS fall back to the host resolver for other names.
	Resolve bool `yaml:"resolve"`
}

// Default returns the standard virt-style machine with 128 MiB of RAM.
func Default() *Machine {
	return &Machine{
		RAM: RAM{
			Base: Addr(rv32.RAMBase),
			Size: Size(rv32.DefaultRAMSize),
		},
		Timer: Timer{Source: rv32.TimerWall.String()},
		Devices: Devices{
			CLINT:    Device{Base: Addr(rv32.CLINTBase), Enabled: true},
			PLIC:     Device{Base: Addr(rv32.PLICBase), Enabled: true},
			UART:     Device{Base: Addr(rv32.UARTBase), Enabled: true},
			Finisher: Device{Base: Addr(rv32.FinisherBase), Enabled: true},
			Net:      Device{Base: Addr(rv32.VirtioBase)},
		},
		Network:  Network{DNS: true},
		TLB:      true,
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Machine, error) {
	m := Default()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

type window struct {
	name       string
	base, size uint64
}

// Validate reports every setup error in the description.
func (m *Machine) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	base, size := uint64(m.RAM.Base), uint64(m.RAM.Size)
	switch {
	case base == 0:
		bad("ram.base must be non-zero")
	case base%rv32.PageSize != 0:
		bad("ram.base 0x%x is not page aligned", base)
	}
	switch {
	case size == 0:
		bad("ram.size must be non-zero")
	case size%rv32.PageSize != 0:
		bad("ram.size %d is not a multiple of the page size", size)
	case base+size > 1<<34:
		bad("ram [0x%x, 0x%x) exceeds the 34-bit physical address space", base, base+size)
	}

	if _, err := m.TimerSource(); err != nil {
		errs = append(errs, err)
	}
	if _, err := m.Level(); err != nil {
		errs = append(errs, err)
	}

	windows := []window{{"ram", base, size}}
	for _, d := range []struct {
		name string
		dev  Device
		size uint64
	}{
		{"clint", m.Devices.CLINT, rv32.CLINTSize},
		{"plic", m.Devices.PLIC, rv32.PLICSize},
		{"uart", m.Devices.UART, rv32.UARTSize},
		{"finisher", m.Devices.Finisher, rv32.FinisherSize},
		{"net", m.Devices.Net, rv32.VirtioSize},
	} {
		if !d.dev.Enabled {
			continue
		}
		w := window{d.name, uint64(d.dev.Base), d.size}
		for _, other := range windows {
			if w.base < other.base+other.size && other.base < w.base+w.size {
				bad("devices.%s at 0x%x overlaps %s", w.name, w.base, other.name)
			}
		}
		windows = append(windows, w)
	}

	if _, err := m.MACAddress(); err != nil {
		errs = append(errs, err)
	}
	if !m.Devices.Net.Enabled && m.Network.Capture != "" {
		bad("network.capture needs devices.net")
	}
	if !m.Network.DNS && m.Network.Resolve {
		bad("network.resolve needs network.dns")
	}

	for i, img := range m.Images {
		if img.Path == "" {
			bad("images[%d] has no path", i)
		}
	}
	if s := m.Console.Screen; s != nil && (s.Cols <= 0 || s.Rows <= 0) {
		bad("console.screen must have positive cols and rows, got %dx%d", s.Cols, s.Rows)
	}
	if m.Timeout < 0 {
		bad("timeout must not be negative")
	}
	if m.Boot.DeviceTree != "" {
		if dtb := m.DTBAddress(); dtb < base || dtb >= base+size {
			bad("boot.dtb 0x%x is outside RAM", dtb)
		} else if dtb > 0xffff_ffff {
			bad("boot.dtb 0x%x does not fit in a1", dtb)
		}
	} else if m.Boot.Bootargs != "" {
		bad("boot.bootargs needs boot.devicetree")
	}

	return errors.Join(errs...)
}

// DTBAddress returns the physical address passed in a1.
func (m *Machine) DTBAddress() uint64 {
	if m.Boot.DTB != 0 || m.Boot.DeviceTree == "" {
		return uint64(m.Boot.DTB)
	}
	return uint64(m.RAM.Base) + DefaultDTBOffset
}

// MACAddress parses network.mac.
func (m *Machine) MACAddress() ([6]byte, error) {
	var mac [6]byte
	if m.Network.MAC == "" {
		return rv32.DefaultMAC, nil
	}
	hw, err := net.ParseMAC(m.Network.MAC)
	if err != nil || len(hw) != len(mac) {
		return mac, fmt.Errorf("%w: network.mac %q is not an Ethernet address", ErrInvalid, m.Network.MAC)
	}
	if hw[0]&1 != 0 {
		return mac, fmt.Errorf("%w: network.mac %q is a multicast address", ErrInvalid, m.Network.MAC)
	}
	copy(mac[:], hw)
	return mac, nil
}

// Timebase returns the mtime frequency advertised to the guest.
func (m *Machine) Timebase() uint32 {
	if f := m.Timer.Frequency; f != 0 && f <= 0xffff_ffff {
		if src, _ := m.TimerSource(); src == rv32.TimerWall {
			return uint32(f)
		}
	}
	return rv32.DefaultTimerFrequency
}

// TimerSource parses timer.source.
func (m *Machine) TimerSource() (rv32.TimerSource, error) {
	switch strings.ToLower(m.Timer.Source) {
	case "", rv32.TimerWall.String():
		return rv32.TimerWall, nil
	case rv32.TimerStep.String():
		return rv32.TimerStep, nil
	}
	return 0, fmt.Errorf("%w: unknown timer.source %q", ErrInvalid, m.Timer.Source)
}

// Level parses log_level.
func (m *Machine) Level() (slog.Level, error) {
	var level slog.Level
	if m.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(m.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	return level, nil
}

// Options converts the description into machine options. Output, Logger
// and TrapHook are left for the caller.
func (m *Machine) Options() (rv32.Options, error) {
	source, err := m.TimerSource()
	if err != nil {
		return rv32.Options{}, err
	}
	placement := func(d Device) rv32.Placement {
		return rv32.Placement{Base: uint64(d.Base), Disabled: !d.Enabled}
	}
	layout := rv32.Layout{
		CLINT:    placement(m.Devices.CLINT),
		PLIC:     placement(m.Devices.PLIC),
		UART:     placement(m.Devices.UART),
		Finisher: placement(m.Devices.Finisher),
		Net:      placement(m.Devices.Net),
	}
	mac, err := m.MACAddress()
	if err != nil {
		return rv32.Options{}, err
	}
	return rv32.Options{
		RAMBase:    uint64(m.RAM.Base),
		RAMSize:    uint64(m.RAM.Size),
		Timer:      source,
		TimerRate:  m.Timer.Frequency,
		DisableTLB: !m.TLB,
		HartID:     m.Boot.HartID,
		Layout:     &layout,
		MAC:        mac,
	}, nil
}

// Addr is a physical address. YAML accepts integers and strings in any
// base strconv understands, so 0x8000_0000 works quoted or not.
type Addr uint64

// UnmarshalYAML implements yaml.Unmarshaler for Addr.
func (a *Addr) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", value.Line, value.Value)
	}
	*a = Addr(v)
	return nil
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Size is a byte count. YAML accepts plain integers or a number with a
// binary suffix: 64K, 128M, 128MiB, 1G.
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"KiB", 10}, {"MiB", 20}, {"GiB", 30},
	{"K", 10}, {"M", 20}, {"G", 30},
	{"k", 10}, {"m", 20}, {"g", 30},
}

// ParseSize parses a byte count with an optional binary suffix.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	shift := uint(0)
	for _, suf := range sizeSuffixes {
		if strings.HasSuffix(s, suf.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suf.suffix))
			shift = suf.shift
			break
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v > ^uint64(0)>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(v << shift), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	v, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = v
	return nil
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
