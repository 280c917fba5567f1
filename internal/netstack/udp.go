package netstack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	ephemeralFirst uint16 = 49152
	udpQueueLen           = 64
)

type udpDatagram struct {
	payload []byte
	addr    net.UDPAddr
}

func (ns *NetStack) handleUDP(h ipv4Header) error {
	seg := h.payload
	if len(seg) < udpHeaderLen {
		ns.drop("short udp segment", "len", len(seg))
		return nil
	}
	length := int(binary.BigEndian.Uint16(seg[4:6]))
	if length < udpHeaderLen || length > len(seg) {
		ns.drop("bad udp length", "length", length, "have", len(seg))
		return nil
	}
	seg = seg[:length]
	if binary.BigEndian.Uint16(seg[6:8]) != 0 &&
		fold(sum16(pseudoHeaderSum(h.src, h.dst, udpProtocolNumber, length), seg)) != 0 {
		ns.drop("udp checksum mismatch")
		return nil
	}

	srcPort := binary.BigEndian.Uint16(seg[0:2])
	dstPort := binary.BigEndian.Uint16(seg[2:4])

	ns.mu.RLock()
	c := ns.udp[dstPort]
	ns.mu.RUnlock()
	if c == nil {
		ns.drop("udp port unreachable", "port", dstPort)
		return nil
	}
	if !c.enqueue(seg[udpHeaderLen:], net.UDPAddr{IP: net.IP(append([]byte(nil), h.src[:]...)), Port: int(srcPort)}) {
		ns.drop("udp receive queue full", "port", dstPort)
		return nil
	}
	ns.udpIn.Add(1)
	return nil
}

func (ns *NetStack) sendUDP(srcPort uint16, dst *net.UDPAddr, payload []byte) error {
	ip4 := dst.IP.To4()
	if ip4 == nil {
		return fmt.Errorf("udp destination %s is not ipv4", dst.IP)
	}
	if dst.Port <= 0 || dst.Port > 0xffff {
		return fmt.Errorf("udp destination port %d out of range", dst.Port)
	}
	length := udpHeaderLen + len(payload)
	if ipv4HeaderLen+length > 0xffff {
		return fmt.Errorf("udp payload of %d bytes is too large", len(payload))
	}

	frame, err := ns.frameTo(etherTypeIPv4, ipv4HeaderLen+length)
	if err != nil {
		return err
	}
	dstIP := [4]byte(ip4)
	packet := frame[ethernetHeaderLen:]
	putIPv4Header(packet, ns.hostIPv4, dstIP, udpProtocolNumber, length)

	seg := packet[ipv4HeaderLen:]
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], uint16(dst.Port))
	binary.BigEndian.PutUint16(seg[4:6], uint16(length))
	copy(seg[udpHeaderLen:], payload)
	sum := fold(sum16(pseudoHeaderSum(ns.hostIPv4, dstIP, udpProtocolNumber, length), seg))
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(seg[6:8], sum)

	if err := ns.sendFrame(frame); err != nil {
		return err
	}
	ns.udpOut.Add(1)
	return nil
}

// ListenPacketInternal binds a UDP port on the host address. Port 0 picks
// an ephemeral port.
func (ns *NetStack) ListenPacketInternal(network, address string) (net.PacketConn, error) {
	if network != "udp" && network != "udp4" {
		return nil, fmt.Errorf("network %q not supported", network)
	}
	port, err := parsePort(address)
	if err != nil {
		return nil, err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if port == 0 {
		if port, err = ns.ephemeralPort(); err != nil {
			return nil, err
		}
	} else if _, ok := ns.udp[port]; ok {
		return nil, fmt.Errorf("udp port %d already in use", port)
	}
	c := &udpConn{
		stack:    ns,
		port:     port,
		incoming: make(chan udpDatagram, udpQueueLen),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
	ns.udp[port] = c
	return c, nil
}

// ephemeralPort is called with ns.mu held.
func (ns *NetStack) ephemeralPort() (uint16, error) {
	for range 0x10000 - int(ephemeralFirst) {
		port := ns.nextPort
		ns.nextPort++
		if ns.nextPort == 0 {
			ns.nextPort = ephemeralFirst
		}
		if _, ok := ns.udp[port]; !ok {
			return port, nil
		}
	}
	return 0, errors.New("no free ephemeral udp port")
}

// parsePort accepts "host:port", ":port" or a bare port. The host part is
// ignored; the stack has a single address.
func parsePort(address string) (uint16, error) {
	if address == "" {
		return 0, nil
	}
	if _, port, err := net.SplitHostPort(address); err == nil {
		address = port
	}
	port, err := strconv.ParseUint(address, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse port %q: %w", address, err)
	}
	return uint16(port), nil
}

// udpConn is a bound UDP port.
type udpConn struct {
	stack    *NetStack
	port     uint16
	incoming chan udpDatagram
	done     chan struct{}
	// wake interrupts a blocked read when its deadline changes
	wake chan struct{}

	closeOnce sync.Once

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// enqueue never blocks; it reports false when the datagram was dropped.
func (c *udpConn) enqueue(data []byte, addr net.UDPAddr) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.incoming <- udpDatagram{payload: append([]byte(nil), data...), addr: addr}:
		return true
	default:
		return false
	}
}

func (c *udpConn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "udp", Addr: c.LocalAddr(), Err: err}
}

func (c *udpConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline := c.readDeadline
		c.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !deadline.IsZero() {
			until := time.Until(deadline)
			if until <= 0 {
				return 0, nil, c.opError("read", os.ErrDeadlineExceeded)
			}
			timer = time.NewTimer(until)
			timeout = timer.C
		}

		select {
		case d := <-c.incoming:
			if timer != nil {
				timer.Stop()
			}
			addr := d.addr
			return copy(b, d.payload), &addr, nil
		case <-c.done:
			if timer != nil {
				timer.Stop()
			}
			return 0, nil, c.opError("read", net.ErrClosed)
		case <-timeout:
		case <-c.wake:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

func (c *udpConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, c.opError("write", net.ErrClosed)
	default:
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, c.opError("write", fmt.Errorf("unexpected address type %T", addr))
	}
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return 0, c.opError("write", os.ErrDeadlineExceeded)
	}
	if err := c.stack.sendUDP(c.port, udpAddr, b); err != nil {
		return 0, c.opError("write", err)
	}
	return len(b), nil
}

func (c *udpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		ns := c.stack
		ns.mu.Lock()
		if ns.udp[c.port] == c {
			delete(ns.udp, c.port)
		}
		ns.mu.Unlock()
	})
	return nil
}

func (c *udpConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: c.stack.HostIP(), Port: int(c.port)}
}

func (c *udpConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *udpConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *udpConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

var _ net.PacketConn = (*udpConn)(nil)
