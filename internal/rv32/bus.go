package rv32

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnmapped is returned for physical addresses no region claims.
	ErrUnmapped = errors.New("address not mapped")
	// ErrRegionOverlap is returned when a device window collides with
	// RAM or another device.
	ErrRegionOverlap = errors.New("region overlaps existing mapping")
	// ErrBadAccessSize is returned for access widths a region cannot serve.
	ErrBadAccessSize = errors.New("unsupported access size")
)

// Device represents a memory-mapped device
type Device interface {
	// Read reads from the device at the given offset
	Read(offset uint64, size int) (uint64, error)
	// Write writes to the device at the given offset
	Write(offset uint64, size int, value uint64) error
	// Size returns the size of the device's address space
	Size() uint64
}

// DeviceMapping maps a device to an address range
type DeviceMapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

func (m DeviceMapping) end() uint64 { return m.Base + m.Size }

// Bus routes physical addresses to RAM or device windows.
type Bus struct {
	RAM     *RAM
	RAMBase uint64

	// sorted by Base, non-overlapping
	devices []DeviceMapping
}

// NewBus creates a bus with ram mapped at ramBase.
func NewBus(ramBase uint64, ram *RAM) *Bus {
	return &Bus{
		RAM:     ram,
		RAMBase: ramBase,
	}
}

// AddDevice maps dev at base. The window must not overlap RAM or any
// previously added device.
func (bus *Bus) AddDevice(base uint64, dev Device) error {
	m := DeviceMapping{Base: base, Size: dev.Size(), Device: dev}
	if m.Size == 0 {
		return fmt.Errorf("device at 0x%x has zero size", base)
	}
	if m.end() < m.Base {
		return fmt.Errorf("device at 0x%x wraps the address space", base)
	}

	if bus.RAM != nil && m.Base < bus.RAMBase+bus.RAM.Size() && bus.RAMBase < m.end() {
		return fmt.Errorf("%w: device [0x%x, 0x%x) and RAM [0x%x, 0x%x)",
			ErrRegionOverlap, m.Base, m.end(), bus.RAMBase, bus.RAMBase+bus.RAM.Size())
	}
	for _, other := range bus.devices {
		if m.Base < other.end() && other.Base < m.end() {
			return fmt.Errorf("%w: device [0x%x, 0x%x) and device [0x%x, 0x%x)",
				ErrRegionOverlap, m.Base, m.end(), other.Base, other.end())
		}
	}

	bus.devices = append(bus.devices, m)
	sort.Slice(bus.devices, func(i, j int) bool {
		return bus.devices[i].Base < bus.devices[j].Base
	})
	return nil
}

// Devices returns the device mappings in address order.
func (bus *Bus) Devices() []DeviceMapping {
	return append([]DeviceMapping(nil), bus.devices...)
}

// findDevice finds a device at the given address
func (bus *Bus) findDevice(addr uint64, size int) (Device, uint64, error) {
	// Fast path for RAM
	if bus.RAM != nil && addr >= bus.RAMBase && addr-bus.RAMBase+uint64(size) <= bus.RAM.Size() {
		return bus.RAM, addr - bus.RAMBase, nil
	}

	i := sort.Search(len(bus.devices), func(i int) bool {
		return bus.devices[i].end() > addr
	})
	if i < len(bus.devices) {
		m := bus.devices[i]
		if addr >= m.Base && addr+uint64(size) <= m.end() {
			return m.Device, addr - m.Base, nil
		}
	}

	return nil, 0, fmt.Errorf("%w: 0x%x (size %d)", ErrUnmapped, addr, size)
}

// Read reads size bytes (1, 2 or 4) from the bus
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, err := bus.findDevice(addr, size)
	if err != nil {
		return 0, err
	}
	return dev.Read(offset, size)
}

// Write writes size bytes (1, 2 or 4) to the bus
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, err := bus.findDevice(addr, size)
	if err != nil {
		return err
	}
	return dev.Write(offset, size, value)
}

// LoadBytes copies data into guest physical memory at addr.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	// Fast path for RAM
	if bus.RAM != nil && addr >= bus.RAMBase && addr-bus.RAMBase+uint64(len(data)) <= bus.RAM.Size() {
		copy(bus.RAM.Data[addr-bus.RAMBase:], data)
		return nil
	}

	for i, b := range data {
		if err := bus.Write(addr+uint64(i), 1, uint64(b)); err != nil {
			return fmt.Errorf("load at 0x%x: %w", addr+uint64(i), err)
		}
	}
	return nil
}

// RAM is a little-endian byte array backing guest memory.
type RAM struct {
	Data []byte

	release func() error
}

// NewRAM allocates size bytes of zeroed guest memory.
func NewRAM(size uint64) (*RAM, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("ram size 0x%x must be a non-zero multiple of 0x%x", size, PageSize)
	}
	data, release, err := allocRAM(size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes of ram: %w", size, err)
	}
	return &RAM{Data: data, release: release}, nil
}

// Close releases the backing memory. The RAM must not be used afterwards.
func (m *RAM) Close() error {
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.release = nil
	m.Data = nil
	return err
}

// Read implements Device
func (m *RAM) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("%w: ram read offset=0x%x size=%d", ErrUnmapped, offset, size)
	}

	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(cpuEndian.Uint32(m.Data[offset:])), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrBadAccessSize, size)
	}
}

// Write implements Device
func (m *RAM) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("%w: ram write offset=0x%x size=%d", ErrUnmapped, offset, size)
	}

	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		cpuEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		cpuEndian.PutUint32(m.Data[offset:], uint32(value))
	default:
		return fmt.Errorf("%w: %d", ErrBadAccessSize, size)
	}
	return nil
}

// Size implements Device
func (m *RAM) Size() uint64 {
	return uint64(len(m.Data))
}

var _ Device = (*RAM)(nil)
