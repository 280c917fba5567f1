package rv32

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// VirtioNetHeaderSize is the size of struct virtio_net_hdr for a modern
// device, which always carries num_buffers.
const VirtioNetHeaderSize = 12

// virtio-net feature bits
const (
	VirtioNetFMAC    uint64 = 1 << 5
	VirtioNetFStatus uint64 = 1 << 16
)

// VirtioNetRxBacklog bounds the frames waiting for receive buffers.
const VirtioNetRxBacklog = 256

const (
	virtioNetDeviceID = 1
	virtioNetRxQueue  = 0
	virtioNetTxQueue  = 1
	virtioNetLinkUp   = 1
)

// DefaultMAC is the locally administered address of the guest NIC.
var DefaultMAC = [6]byte{0x02, 0x00, 0x00, 0x01, 0x02, 0x03}

// VirtioNetStats counts frames crossing the link.
type VirtioNetStats struct {
	TxFrames  uint64
	RxFrames  uint64
	RxDropped uint64
}

// VirtioNet is a virtio network device. The host side hands frames to the
// guest with Deliver and receives the guest's frames through Transmit.
type VirtioNet struct {
	// Transport is the MMIO window the device is mapped through.
	Transport *Virtio

	// Transmit receives each frame the guest sends, without the virtio
	// header. It runs on the stepping goroutine and must not block.
	Transmit func(frame []byte) error

	log    *slog.Logger
	config [8]byte

	mu      sync.Mutex
	backlog [][]byte
	pending atomic.Bool

	// set when the guest had no receive buffer; cleared by an rx notify
	starved bool

	txFrames  atomic.Uint64
	rxFrames  atomic.Uint64
	rxDropped atomic.Uint64
}

// NewVirtioNet creates a network device with the given MAC address whose
// rings live in bus RAM.
func NewVirtioNet(bus *Bus, mac [6]byte, log *slog.Logger) *VirtioNet {
	if log == nil {
		log = slog.Default()
	}
	n := &VirtioNet{log: log}
	copy(n.config[:6], mac[:])
	cpuEndian.PutUint16(n.config[6:], virtioNetLinkUp)
	n.Transport = NewVirtio(bus, n, log)
	return n
}

// MAC returns the device address.
func (n *VirtioNet) MAC() [6]byte {
	var mac [6]byte
	copy(mac[:], n.config[:6])
	return mac
}

// DeviceID implements VirtioDevice
func (n *VirtioNet) DeviceID() uint32 { return virtioNetDeviceID }

// Features implements VirtioDevice
func (n *VirtioNet) Features() uint64 { return VirtioNetFMAC | VirtioNetFStatus }

// NumQueues implements VirtioDevice
func (n *VirtioNet) NumQueues() int { return 2 }

// Config implements VirtioDevice
func (n *VirtioNet) Config() []byte { return n.config[:] }

// Reset implements VirtioDevice. Frames already queued for the guest are
// kept for the next driver.
func (n *VirtioNet) Reset() {
	n.starved = false
}

// Notify implements VirtioDevice
func (n *VirtioNet) Notify(v *Virtio, queue int) error {
	switch queue {
	case virtioNetTxQueue:
		return n.transmit(v)
	case virtioNetRxQueue:
		n.starved = false
		return n.fill(v)
	}
	return nil
}

func (n *VirtioNet) transmit(v *Virtio) error {
	for {
		c, ok, err := v.Pop(virtioNetTxQueue)
		if err != nil || !ok {
			return err
		}
		data := c.ReadAll()
		if len(data) < VirtioNetHeaderSize {
			return fmt.Errorf("%w: %d byte transmit buffer is shorter than the header", ErrVirtqueue, len(data))
		}
		n.txFrames.Add(1)
		if n.Transmit != nil {
			if err := n.Transmit(data[VirtioNetHeaderSize:]); err != nil {
				n.log.Debug("virtio-net: transmit failed", "error", err)
			}
		}
		if err := v.Push(virtioNetTxQueue, c, 0); err != nil {
			return err
		}
	}
}

// fill copies queued frames into receive buffers until one runs out.
func (n *VirtioNet) fill(v *Virtio) error {
	for {
		n.mu.Lock()
		if len(n.backlog) == 0 {
			n.pending.Store(false)
			n.mu.Unlock()
			return nil
		}
		frame := n.backlog[0]
		n.mu.Unlock()

		c, ok, err := v.Pop(virtioNetRxQueue)
		if err != nil {
			return err
		}
		if !ok {
			n.starved = true
			return nil
		}

		written := uint32(0)
		if need := VirtioNetHeaderSize + len(frame); c.WritableLen() < need {
			n.log.Debug("virtio-net: frame does not fit receive buffer",
				"frame", len(frame), "buffer", c.WritableLen())
			n.rxDropped.Add(1)
		} else {
			buf := make([]byte, need)
			cpuEndian.PutUint16(buf[10:], 1) // num_buffers
			copy(buf[VirtioNetHeaderSize:], frame)
			written = uint32(c.Write(buf))
			n.rxFrames.Add(1)
		}
		if err := v.Push(virtioNetRxQueue, c, written); err != nil {
			return err
		}

		n.mu.Lock()
		n.backlog = n.backlog[1:]
		n.mu.Unlock()
	}
}

// Deliver queues a frame for the guest. It may be called from any
// goroutine and reports false when the backlog is full and the frame was
// dropped.
func (n *VirtioNet) Deliver(frame []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.backlog) >= VirtioNetRxBacklog {
		n.rxDropped.Add(1)
		return false
	}
	n.backlog = append(n.backlog, append([]byte(nil), frame...))
	n.pending.Store(true)
	return true
}

// Poll moves queued frames into the guest. The machine calls it every
// step; it returns at once when nothing is queued.
func (n *VirtioNet) Poll() {
	if !n.pending.Load() || n.starved || !n.Transport.DriverOK() {
		return
	}
	if err := n.fill(n.Transport); err != nil {
		n.Transport.fail(err)
	}
}

// Stats returns the frame counters.
func (n *VirtioNet) Stats() VirtioNetStats {
	return VirtioNetStats{
		TxFrames:  n.txFrames.Load(),
		RxFrames:  n.rxFrames.Load(),
		RxDropped: n.rxDropped.Load(),
	}
}

var _ VirtioDevice = (*VirtioNet)(nil)
