// Package netstack is the host end of the guest's virtio-net link: a small
// user-mode Ethernet/IPv4 stack that answers ARP and ICMP echo for the host
// address and exposes UDP ports as net.PacketConn.
//
// Limitations:
//   - IPv4 only, no fragmentation or reassembly.
//   - No TCP; segments are dropped.
//   - A single guest on the link.
package netstack

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/rv32/internal/pcap"
)

type etherType uint16

const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
)

type protocolNumber uint8

const (
	icmpProtocol      protocolNumber = 1
	udpProtocolNumber protocolNumber = 17
)

const (
	ethernetHeaderLen = 14
	ipv4HeaderLen     = 20
	udpHeaderLen      = 8
	arpPacketLen      = 28
)

const (
	arpHardwareEthernet = 1
	arpRequest          = 1
	arpReply            = 2

	icmpEchoReply   = 0
	icmpEchoRequest = 8
)

// Addresses on the synthetic 10.42.0.0/24 link.
var (
	DefaultHostIPv4  = [4]byte{10, 42, 0, 1}
	DefaultGuestIPv4 = [4]byte{10, 42, 0, 2}
)

var broadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

var (
	// ErrNoBackend is returned when a frame is sent before the device side
	// is attached.
	ErrNoBackend = errors.New("netstack: virtio backend not attached")
	// ErrGuestUnknown is returned when the guest's MAC is not yet known.
	ErrGuestUnknown = errors.New("netstack: guest mac unknown")
)

// Stats counts traffic through the stack.
type Stats struct {
	FramesIn  uint64
	FramesOut uint64
	Dropped   uint64
	UDPIn     uint64
	UDPOut    uint64
}

// NetStack is the host side of the link.
type NetStack struct {
	log *slog.Logger

	hostIPv4  [4]byte
	guestIPv4 [4]byte

	mu          sync.RWMutex
	hostMAC     [6]byte
	guestMAC    [6]byte
	guestKnown  bool
	iface       *NetworkInterface
	capture     *pcap.Writer
	udp         map[uint16]*udpConn
	nextPort    uint16
	dns         *dnsServer
	allowLookup bool

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	dropped   atomic.Uint64
	udpIn     atomic.Uint64
	udpOut    atomic.Uint64

	closeOnce sync.Once
}

// New creates a stack at DefaultHostIPv4 expecting the guest at
// DefaultGuestIPv4.
func New(l *slog.Logger) *NetStack {
	if l == nil {
		l = slog.Default()
	}
	return &NetStack{
		log:       l,
		hostIPv4:  DefaultHostIPv4,
		guestIPv4: DefaultGuestIPv4,
		udp:       make(map[uint16]*udpConn),
		nextPort:  ephemeralFirst,
	}
}

// HostIP returns the stack's own address.
func (ns *NetStack) HostIP() net.IP { return net.IP(ns.hostIPv4[:]).To16() }

// GuestIP returns the address the guest is expected to use.
func (ns *NetStack) GuestIP() net.IP { return net.IP(ns.guestIPv4[:]).To16() }

// HostMAC returns the stack's link address. It is chosen when the
// interface is attached.
func (ns *NetStack) HostMAC() net.HardwareAddr {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return net.HardwareAddr(append([]byte(nil), ns.hostMAC[:]...))
}

// Close stops the DNS server and closes every UDP endpoint.
func (ns *NetStack) Close() error {
	ns.closeOnce.Do(func() {
		ns.StopDNSServer()

		ns.mu.Lock()
		conns := make([]*udpConn, 0, len(ns.udp))
		for _, c := range ns.udp {
			conns = append(conns, c)
		}
		ns.capture = nil
		ns.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}
	})
	return nil
}

// SetGuestMAC sets the guest address used until one is learned from
// traffic.
func (ns *NetStack) SetGuestMAC(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("invalid MAC address length: %d", len(mac))
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	copy(ns.guestMAC[:], mac)
	ns.guestKnown = true
	return nil
}

// OpenPacketCapture records every frame crossing the link to out.
func (ns *NetStack) OpenPacketCapture(out io.Writer) error {
	writer := pcap.NewWriter(out)
	if err := writer.WriteFileHeader(pcap.DefaultSnapLen, pcap.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	ns.mu.Lock()
	ns.capture = writer
	ns.mu.Unlock()
	return nil
}

func (ns *NetStack) writePacketCapture(frame []byte) {
	ns.mu.RLock()
	writer := ns.capture
	ns.mu.RUnlock()
	if writer == nil {
		return
	}
	if err := writer.Capture(frame); err != nil {
		ns.log.Warn("pcap: write frame failed", "err", err)
	}
}

// Stats returns the traffic counters.
func (ns *NetStack) Stats() Stats {
	return Stats{
		FramesIn:  ns.framesIn.Load(),
		FramesOut: ns.framesOut.Load(),
		Dropped:   ns.dropped.Load(),
		UDPIn:     ns.udpIn.Load(),
		UDPOut:    ns.udpOut.Load(),
	}
}

func (ns *NetStack) drop(reason string, args ...any) {
	ns.dropped.Add(1)
	ns.log.Debug("netstack: drop "+reason, args...)
}

// NetworkInterface joins the stack to a virtio-net device.
type NetworkInterface struct {
	stack *NetStack

	mu      sync.RWMutex
	backend func(frame []byte) error
}

// AttachNetworkInterface binds the single interface of the stack and picks
// a random locally administered host MAC.
func (ns *NetStack) AttachNetworkInterface() (*NetworkInterface, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.iface != nil {
		return nil, errors.New("network interface already attached")
	}
	if !ns.guestKnown {
		return nil, errors.New("guest mac must be configured before attaching interface")
	}
	if _, err := cryptoRand.Read(ns.hostMAC[:]); err != nil {
		return nil, fmt.Errorf("generate host mac: %w", err)
	}
	ns.hostMAC[0] = ns.hostMAC[0]&^1 | 2

	ns.iface = &NetworkInterface{stack: ns}
	return ns.iface, nil
}

// AttachVirtioBackend sets where frames for the guest are sent. The
// handler must copy frame if it keeps it.
func (nic *NetworkInterface) AttachVirtioBackend(handler func(frame []byte) error) {
	nic.mu.Lock()
	nic.backend = handler
	nic.mu.Unlock()
}

// DeliverGuestPacket handles a frame the guest transmitted. release, when
// non-nil, is called once the frame is no longer referenced.
func (nic *NetworkInterface) DeliverGuestPacket(frame []byte, release func()) error {
	if release != nil {
		defer release()
	}
	ns := nic.stack
	ns.framesIn.Add(1)
	if len(frame) < ethernetHeaderLen {
		ns.drop("runt frame", "len", len(frame))
		return fmt.Errorf("packet too short: %d", len(frame))
	}
	ns.writePacketCapture(frame)
	return ns.handleEthernetFrame(frame)
}

func (nic *NetworkInterface) sendFrame(frame []byte) error {
	nic.mu.RLock()
	backend := nic.backend
	nic.mu.RUnlock()
	if backend == nil {
		return ErrNoBackend
	}
	nic.stack.writePacketCapture(frame)
	nic.stack.framesOut.Add(1)
	return backend(frame)
}

// sendFrame must not be called with ns.mu held; the backend may re-enter
// the stack.
func (ns *NetStack) sendFrame(frame []byte) error {
	ns.mu.RLock()
	iface := ns.iface
	ns.mu.RUnlock()
	if iface == nil {
		return ErrNoBackend
	}
	return iface.sendFrame(frame)
}

func (ns *NetStack) handleEthernetFrame(frame []byte) error {
	var dst, src [6]byte
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])
	typ := etherType(binary.BigEndian.Uint16(frame[12:14]))
	payload := frame[ethernetHeaderLen:]

	ns.mu.Lock()
	host := ns.hostMAC
	if src[0]&1 == 0 && src != host {
		ns.guestMAC = src
		ns.guestKnown = true
	}
	ns.mu.Unlock()

	if dst != broadcastMAC && dst != host {
		ns.drop("frame for another station", "dst", net.HardwareAddr(dst[:]).String())
		return nil
	}

	switch typ {
	case etherTypeARP:
		return ns.handleARP(payload)
	case etherTypeIPv4:
		return ns.handleIPv4(payload)
	}
	ns.drop("unsupported ethertype", "type", fmt.Sprintf("0x%04x", uint16(typ)))
	return nil
}

// frameTo builds an Ethernet frame from the host to the guest with room
// for n payload bytes.
func (ns *NetStack) frameTo(typ etherType, n int) ([]byte, error) {
	ns.mu.RLock()
	guest, known, host := ns.guestMAC, ns.guestKnown, ns.hostMAC
	ns.mu.RUnlock()
	if !known {
		return nil, ErrGuestUnknown
	}
	frame := make([]byte, ethernetHeaderLen+n)
	copy(frame[0:6], guest[:])
	copy(frame[6:12], host[:])
	binary.BigEndian.PutUint16(frame[12:14], uint16(typ))
	return frame, nil
}

func (ns *NetStack) handleARP(payload []byte) error {
	if len(payload) < arpPacketLen {
		ns.drop("short arp", "len", len(payload))
		return nil
	}
	if binary.BigEndian.Uint16(payload[0:2]) != arpHardwareEthernet ||
		etherType(binary.BigEndian.Uint16(payload[2:4])) != etherTypeIPv4 ||
		payload[4] != 6 || payload[5] != 4 {
		ns.drop("arp for another protocol")
		return nil
	}
	if binary.BigEndian.Uint16(payload[6:8]) != arpRequest {
		return nil
	}
	if [4]byte(payload[24:28]) != ns.hostIPv4 {
		return nil
	}

	ns.mu.RLock()
	host := ns.hostMAC
	ns.mu.RUnlock()

	frame, err := ns.frameTo(etherTypeARP, arpPacketLen)
	if err != nil {
		return err
	}
	// reply to the asker, not to whoever we learned last
	copy(frame[0:6], payload[8:14])
	reply := frame[ethernetHeaderLen:]
	copy(reply[0:6], payload[0:6])
	binary.BigEndian.PutUint16(reply[6:8], arpReply)
	copy(reply[8:14], host[:])
	copy(reply[14:18], ns.hostIPv4[:])
	copy(reply[18:28], payload[8:18])
	return ns.sendFrame(frame)
}

// ipv4Header is the decoded fixed header plus the payload it bounds.
type ipv4Header struct {
	protocol protocolNumber
	src, dst [4]byte
	payload  []byte
}

func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header too short: %d", len(data))
	}
	if v := data[0] >> 4; v != 4 {
		return ipv4Header{}, fmt.Errorf("unsupported ip version: %d", v)
	}
	headerLen := int(data[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(data[2:4]))
	if headerLen < ipv4HeaderLen || total < headerLen || total > len(data) {
		return ipv4Header{}, fmt.Errorf("ipv4 lengths inconsistent: header %d total %d have %d", headerLen, total, len(data))
	}
	if checksum(data[:headerLen]) != 0 {
		return ipv4Header{}, errors.New("ipv4 header checksum mismatch")
	}
	if frag := binary.BigEndian.Uint16(data[6:8]); frag&0x3fff != 0 {
		return ipv4Header{}, errors.New("ipv4 fragments are not supported")
	}
	return ipv4Header{
		protocol: protocolNumber(data[9]),
		src:      [4]byte(data[12:16]),
		dst:      [4]byte(data[16:20]),
		payload:  data[headerLen:total],
	}, nil
}

func putIPv4Header(b []byte, src, dst [4]byte, protocol protocolNumber, payloadLen int) {
	b[0] = 4<<4 | ipv4HeaderLen/4
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(ipv4HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(b[4:6], 0)
	binary.BigEndian.PutUint16(b[6:8], 0x4000) // don't fragment
	b[8] = 64
	b[9] = byte(protocol)
	binary.BigEndian.PutUint16(b[10:12], 0)
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	binary.BigEndian.PutUint16(b[10:12], checksum(b[:ipv4HeaderLen]))
}

func (ns *NetStack) handleIPv4(payload []byte) error {
	h, err := parseIPv4Header(payload)
	if err != nil {
		ns.drop("bad ipv4 packet", "err", err)
		return nil
	}
	if h.dst != ns.hostIPv4 {
		ns.drop("ipv4 packet for another host", "dst", net.IP(h.dst[:]).String())
		return nil
	}
	switch h.protocol {
	case icmpProtocol:
		return ns.handleICMP(h)
	case udpProtocolNumber:
		return ns.handleUDP(h)
	}
	ns.drop("unsupported ip protocol", "proto", uint8(h.protocol))
	return nil
}

func (ns *NetStack) handleICMP(h ipv4Header) error {
	msg := h.payload
	if len(msg) < 8 || msg[0] != icmpEchoRequest {
		return nil
	}
	if checksum(msg) != 0 {
		ns.drop("icmp checksum mismatch")
		return nil
	}

	frame, err := ns.frameTo(etherTypeIPv4, ipv4HeaderLen+len(msg))
	if err != nil {
		return err
	}
	packet := frame[ethernetHeaderLen:]
	putIPv4Header(packet, ns.hostIPv4, h.src, icmpProtocol, len(msg))
	reply := packet[ipv4HeaderLen:]
	copy(reply, msg)
	reply[0] = icmpEchoReply
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], checksum(reply))
	return ns.sendFrame(frame)
}

// checksum is the Internet checksum of data. It is zero over a block that
// already carries a correct checksum.
func checksum(data []byte) uint16 {
	return fold(sum16(0, data))
}

func sum16(sum uint32, data []byte) uint32 {
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// pseudoHeaderSum starts a transport checksum over the IPv4 pseudo-header.
func pseudoHeaderSum(src, dst [4]byte, protocol protocolNumber, length int) uint32 {
	sum := sum16(0, src[:])
	sum = sum16(sum, dst[:])
	return sum + uint32(protocol) + uint32(length)
}
