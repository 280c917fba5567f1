package rv32

import (
	"errors"
	"fmt"
	"log/slog"
)

// virtio-mmio register offsets (version 2 layout)
const (
	VirtioRegMagic             = 0x000
	VirtioRegVersion           = 0x004
	VirtioRegDeviceID          = 0x008
	VirtioRegVendorID          = 0x00c
	VirtioRegDeviceFeatures    = 0x010
	VirtioRegDeviceFeaturesSel = 0x014
	VirtioRegDriverFeatures    = 0x020
	VirtioRegDriverFeaturesSel = 0x024
	VirtioRegQueueSel          = 0x030
	VirtioRegQueueNumMax       = 0x034
	VirtioRegQueueNum          = 0x038
	VirtioRegQueueReady        = 0x044
	VirtioRegQueueNotify       = 0x050
	VirtioRegInterruptStatus   = 0x060
	VirtioRegInterruptACK      = 0x064
	VirtioRegStatus            = 0x070
	VirtioRegQueueDescLow      = 0x080
	VirtioRegQueueDescHigh     = 0x084
	VirtioRegQueueDriverLow    = 0x090
	VirtioRegQueueDriverHigh   = 0x094
	VirtioRegQueueDeviceLow    = 0x0a0
	VirtioRegQueueDeviceHigh   = 0x0a4
	VirtioRegConfigGeneration  = 0x0fc
	VirtioRegConfig            = 0x100
)

const (
	virtioMagic   = 0x74726976 // "virt"
	virtioVersion = 2
	virtioVendor  = 0xffff
)

// Device status bits
const (
	VirtioStatusAcknowledge = 1
	VirtioStatusDriver      = 2
	VirtioStatusDriverOK    = 4
	VirtioStatusFeaturesOK  = 8
	VirtioStatusNeedsReset  = 64
	VirtioStatusFailed      = 128
)

// Interrupt status bits
const (
	VirtioIntUsedBuffer   = 1
	VirtioIntConfigChange = 2
)

// VirtioFVersion1 marks a modern (non-legacy) device. It is always offered.
const VirtioFVersion1 uint64 = 1 << 32

// VirtioQueueMax is the largest queue size a driver may select.
const VirtioQueueMax = 256

const (
	virtqDescNext     = 1
	virtqDescWrite    = 2
	virtqDescIndirect = 4

	virtqAvailNoInterrupt = 1

	virtqDescSize = 16
)

// ErrVirtqueue reports a ring the driver laid out incorrectly. The device
// answers it by setting DEVICE_NEEDS_RESET.
var ErrVirtqueue = errors.New("malformed virtqueue")

// VirtioDevice is the device-specific half of a virtio-mmio function.
// All methods run on the stepping goroutine.
type VirtioDevice interface {
	DeviceID() uint32
	// Features returns the feature bits offered, excluding VirtioFVersion1.
	Features() uint64
	NumQueues() int
	// Config returns the device configuration space.
	Config() []byte
	// Notify is called when the driver makes buffers available on queue.
	Notify(v *Virtio, queue int) error
	// Reset is called when the driver resets the function.
	Reset()
}

type virtqueue struct {
	num    uint32
	ready  bool
	desc   uint64
	driver uint64 // available ring
	device uint64 // used ring

	lastAvail uint16
}

// Virtio implements the virtio-mmio transport with split virtqueues kept
// in guest RAM. It is only accessed from the stepping goroutine.
type Virtio struct {
	dev VirtioDevice
	bus *Bus
	log *slog.Logger

	// IRQ is held high while the interrupt status is non-zero.
	IRQ IRQLine

	status            uint32
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64
	queueSel          uint32
	intStatus         uint32
	queues            []virtqueue
}

// NewVirtio creates a transport for dev whose rings live in bus RAM.
func NewVirtio(bus *Bus, dev VirtioDevice, log *slog.Logger) *Virtio {
	if log == nil {
		log = slog.Default()
	}
	return &Virtio{
		dev:    dev,
		bus:    bus,
		log:    log,
		queues: make([]virtqueue, dev.NumQueues()),
	}
}

// Size implements Device
func (v *Virtio) Size() uint64 {
	return VirtioSize
}

// Status returns the device status register.
func (v *Virtio) Status() uint32 {
	return v.status
}

// DriverOK reports whether the driver has finished initialization.
func (v *Virtio) DriverOK() bool {
	return v.status&VirtioStatusDriverOK != 0 && v.status&VirtioStatusNeedsReset == 0
}

func (v *Virtio) offered() uint64 {
	return v.dev.Features() | VirtioFVersion1
}

func (v *Virtio) selected() *virtqueue {
	if int(v.queueSel) < len(v.queues) {
		return &v.queues[v.queueSel]
	}
	return nil
}

// Read implements Device
func (v *Virtio) Read(offset uint64, size int) (uint64, error) {
	if offset >= VirtioRegConfig {
		return v.readConfig(offset-VirtioRegConfig, size)
	}
	if size != 4 || offset&3 != 0 {
		return 0, fmt.Errorf("%w: virtio read size %d at 0x%x", ErrBadAccessSize, size, offset)
	}

	var val uint32
	switch offset {
	case VirtioRegMagic:
		val = virtioMagic
	case VirtioRegVersion:
		val = virtioVersion
	case VirtioRegDeviceID:
		val = v.dev.DeviceID()
	case VirtioRegVendorID:
		val = virtioVendor
	case VirtioRegDeviceFeatures:
		switch v.deviceFeaturesSel {
		case 0:
			val = uint32(v.offered())
		case 1:
			val = uint32(v.offered() >> 32)
		}
	case VirtioRegQueueNumMax:
		if v.selected() != nil {
			val = VirtioQueueMax
		}
	case VirtioRegQueueReady:
		if q := v.selected(); q != nil && q.ready {
			val = 1
		}
	case VirtioRegInterruptStatus:
		val = v.intStatus
	case VirtioRegStatus:
		val = v.status
	case VirtioRegConfigGeneration:
		val = 0
	}
	// Write-only and reserved registers read as zero
	return uint64(val), nil
}

func (v *Virtio) readConfig(offset uint64, size int) (uint64, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("%w: virtio config read size %d", ErrBadAccessSize, size)
	}
	cfg := v.dev.Config()
	var val uint64
	for i := size - 1; i >= 0; i-- {
		val <<= 8
		if off := offset + uint64(i); off < uint64(len(cfg)) {
			val |= uint64(cfg[off])
		}
	}
	return val, nil
}

// Write implements Device
func (v *Virtio) Write(offset uint64, size int, value uint64) error {
	if offset >= VirtioRegConfig {
		// Configuration space is read-only for the devices we emulate
		return nil
	}
	if size != 4 || offset&3 != 0 {
		return fmt.Errorf("%w: virtio write size %d at 0x%x", ErrBadAccessSize, size, offset)
	}
	val := uint32(value)

	switch offset {
	case VirtioRegDeviceFeaturesSel:
		v.deviceFeaturesSel = val
	case VirtioRegDriverFeaturesSel:
		v.driverFeaturesSel = val
	case VirtioRegDriverFeatures:
		switch v.driverFeaturesSel {
		case 0:
			v.driverFeatures = v.driverFeatures&^0xffff_ffff | uint64(val)
		case 1:
			v.driverFeatures = v.driverFeatures&0xffff_ffff | uint64(val)<<32
		}
	case VirtioRegQueueSel:
		v.queueSel = val
	case VirtioRegQueueNum:
		if q := v.selected(); q != nil {
			if val == 0 || val > VirtioQueueMax || val&(val-1) != 0 {
				v.log.Debug("virtio: ignoring bad queue size", "queue", v.queueSel, "num", val)
				break
			}
			q.num = val
		}
	case VirtioRegQueueReady:
		if q := v.selected(); q != nil {
			q.ready = val&1 != 0
			if q.ready && q.num == 0 {
				q.num = VirtioQueueMax
			}
		}
	case VirtioRegQueueNotify:
		if int(val) < len(v.queues) && v.queues[val].ready {
			if err := v.dev.Notify(v, int(val)); err != nil {
				v.fail(err)
			}
		}
	case VirtioRegInterruptACK:
		v.intStatus &^= val
		v.updateIRQ()
	case VirtioRegStatus:
		v.writeStatus(val)
	case VirtioRegQueueDescLow, VirtioRegQueueDescHigh,
		VirtioRegQueueDriverLow, VirtioRegQueueDriverHigh,
		VirtioRegQueueDeviceLow, VirtioRegQueueDeviceHigh:
		if q := v.selected(); q != nil {
			v.writeQueueAddr(q, offset, val)
		}
	}
	return nil
}

func (v *Virtio) writeQueueAddr(q *virtqueue, offset uint64, val uint32) {
	var reg *uint64
	switch offset &^ 4 {
	case VirtioRegQueueDescLow:
		reg = &q.desc
	case VirtioRegQueueDriverLow:
		reg = &q.driver
	case VirtioRegQueueDeviceLow:
		reg = &q.device
	}
	if offset&4 == 0 {
		*reg = *reg&^0xffff_ffff | uint64(val)
	} else {
		*reg = *reg&0xffff_ffff | uint64(val)<<32
	}
}

func (v *Virtio) writeStatus(val uint32) {
	if val == 0 {
		v.reset()
		return
	}
	if val&VirtioStatusFeaturesOK != 0 && v.status&VirtioStatusFeaturesOK == 0 {
		// The driver re-reads status to learn the features were refused.
		extra := v.driverFeatures &^ v.offered()
		if extra != 0 || v.driverFeatures&VirtioFVersion1 == 0 {
			v.log.Warn("virtio: refusing driver features",
				"device", v.dev.DeviceID(),
				"features", fmt.Sprintf("0x%x", v.driverFeatures))
			val &^= VirtioStatusFeaturesOK
		}
	}
	v.status = val | v.status&VirtioStatusNeedsReset
}

func (v *Virtio) reset() {
	v.status = 0
	v.deviceFeaturesSel = 0
	v.driverFeaturesSel = 0
	v.driverFeatures = 0
	v.queueSel = 0
	for i := range v.queues {
		v.queues[i] = virtqueue{}
	}
	v.intStatus = 0
	v.updateIRQ()
	v.dev.Reset()
}

// fail marks the function broken after a ring error.
func (v *Virtio) fail(err error) {
	v.log.Warn("virtio: device needs reset", "device", v.dev.DeviceID(), "error", err)
	v.status |= VirtioStatusNeedsReset
	if v.status&VirtioStatusDriverOK != 0 {
		v.interrupt(VirtioIntConfigChange)
	}
}

func (v *Virtio) interrupt(bits uint32) {
	v.intStatus |= bits
	v.updateIRQ()
}

func (v *Virtio) updateIRQ() {
	if v.IRQ != nil {
		v.IRQ.SetLevel(v.intStatus != 0)
	}
}

// guest returns n bytes of guest RAM at addr. Rings and buffers must live
// in RAM.
func (v *Virtio) guest(addr, n uint64) ([]byte, error) {
	ram := v.bus.RAM
	if ram == nil || addr < v.bus.RAMBase || addr-v.bus.RAMBase > ram.Size() || n > ram.Size()-(addr-v.bus.RAMBase) {
		return nil, fmt.Errorf("%w: [0x%x, +%d) is outside RAM", ErrVirtqueue, addr, n)
	}
	off := addr - v.bus.RAMBase
	return ram.Data[off : off+n : off+n], nil
}

// Chain is a descriptor chain taken from a virtqueue. Its buffers alias
// guest RAM and are only valid until the chain is pushed back.
type Chain struct {
	Head     uint16
	Readable [][]byte
	Writable [][]byte
}

// ReadableLen returns the number of driver-written bytes.
func (c *Chain) ReadableLen() int {
	n := 0
	for _, b := range c.Readable {
		n += len(b)
	}
	return n
}

// WritableLen returns the room the device may fill.
func (c *Chain) WritableLen() int {
	n := 0
	for _, b := range c.Writable {
		n += len(b)
	}
	return n
}

// ReadAll copies the readable buffers into a new slice.
func (c *Chain) ReadAll() []byte {
	out := make([]byte, 0, c.ReadableLen())
	for _, b := range c.Readable {
		out = append(out, b...)
	}
	return out
}

// Write scatters p over the writable buffers and returns the bytes written.
func (c *Chain) Write(p []byte) int {
	n := 0
	for _, b := range c.Writable {
		if n == len(p) {
			break
		}
		n += copy(b, p[n:])
	}
	return n
}

// Pop takes the next chain the driver made available on queue. ok is false
// when there is none.
func (v *Virtio) Pop(queue int) (c *Chain, ok bool, err error) {
	q := &v.queues[queue]
	if !q.ready || v.status&VirtioStatusNeedsReset != 0 {
		return nil, false, nil
	}
	avail, err := v.guest(q.driver, 4+2*uint64(q.num))
	if err != nil {
		return nil, false, err
	}
	idx := cpuEndian.Uint16(avail[2:])
	if idx == q.lastAvail {
		return nil, false, nil
	}
	if uint32(idx-q.lastAvail) > q.num {
		return nil, false, fmt.Errorf("%w: avail idx %d is %d entries ahead of %d",
			ErrVirtqueue, idx, idx-q.lastAvail, q.lastAvail)
	}
	slot := uint64(uint32(q.lastAvail) & (q.num - 1))
	head := cpuEndian.Uint16(avail[4+2*slot:])

	c, err = v.walk(q, head)
	if err != nil {
		return nil, false, err
	}
	q.lastAvail++
	return c, true, nil
}

func (v *Virtio) walk(q *virtqueue, head uint16) (*Chain, error) {
	c := &Chain{Head: head}
	idx := head
	for n := uint32(0); ; n++ {
		if n >= q.num {
			return nil, fmt.Errorf("%w: chain from %d does not end", ErrVirtqueue, head)
		}
		if uint32(idx) >= q.num {
			return nil, fmt.Errorf("%w: descriptor %d out of range", ErrVirtqueue, idx)
		}
		d, err := v.guest(q.desc+uint64(idx)*virtqDescSize, virtqDescSize)
		if err != nil {
			return nil, err
		}
		addr := cpuEndian.Uint64(d[0:])
		length := cpuEndian.Uint32(d[8:])
		flags := cpuEndian.Uint16(d[12:])
		next := cpuEndian.Uint16(d[14:])

		if flags&virtqDescIndirect != 0 {
			return nil, fmt.Errorf("%w: indirect descriptor %d was not negotiated", ErrVirtqueue, idx)
		}
		buf, err := v.guest(addr, uint64(length))
		if err != nil {
			return nil, err
		}
		if flags&virtqDescWrite != 0 {
			c.Writable = append(c.Writable, buf)
		} else {
			if len(c.Writable) > 0 {
				return nil, fmt.Errorf("%w: readable descriptor %d follows a writable one", ErrVirtqueue, idx)
			}
			c.Readable = append(c.Readable, buf)
		}

		if flags&virtqDescNext == 0 {
			return c, nil
		}
		idx = next
	}
}

// Push hands c back to the driver with written bytes in its writable
// buffers and raises the used-buffer interrupt unless the driver
// suppressed it.
func (v *Virtio) Push(queue int, c *Chain, written uint32) error {
	q := &v.queues[queue]
	used, err := v.guest(q.device, 4+8*uint64(q.num))
	if err != nil {
		return err
	}
	avail, err := v.guest(q.driver, 4)
	if err != nil {
		return err
	}

	idx := cpuEndian.Uint16(used[2:])
	slot := 4 + 8*uint64(uint32(idx)&(q.num-1))
	cpuEndian.PutUint32(used[slot:], uint32(c.Head))
	cpuEndian.PutUint32(used[slot+4:], written)
	cpuEndian.PutUint16(used[2:], idx+1)

	if cpuEndian.Uint16(avail[0:])&virtqAvailNoInterrupt == 0 {
		v.interrupt(VirtioIntUsedBuffer)
	}
	return nil
}

var _ Device = (*Virtio)(nil)
