package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/tinyrange/rv32/internal/config"
	"github.com/tinyrange/rv32/internal/netstack"
	"github.com/tinyrange/rv32/internal/rv32"
)

var errGuestBacklog = errors.New("guest receive backlog full")

// hostNetwork is the user-mode host side of the guest NIC.
type hostNetwork struct {
	stack   *netstack.NetStack
	capture io.Closer
}

// attachNetwork connects m's virtio-net device to a new netstack.
func attachNetwork(m *rv32.Machine, cfg *config.Machine, log *slog.Logger) (*hostNetwork, error) {
	mac := m.Net.MAC()
	stack := netstack.New(log)
	h := &hostNetwork{stack: stack}

	if err := stack.SetGuestMAC(net.HardwareAddr(mac[:])); err != nil {
		return nil, err
	}
	nic, err := stack.AttachNetworkInterface()
	if err != nil {
		return nil, err
	}
	nic.AttachVirtioBackend(func(frame []byte) error {
		if !m.Net.Deliver(frame) {
			return errGuestBacklog
		}
		return nil
	})
	m.Net.Transmit = func(frame []byte) error {
		return nic.DeliverGuestPacket(frame, nil)
	}

	if path := cfg.Network.Capture; path != "" {
		f, err := os.Create(path)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("create packet capture: %w", err)
		}
		h.capture = f
		if err := stack.OpenPacketCapture(f); err != nil {
			h.Close()
			return nil, err
		}
	}
	if cfg.Network.DNS {
		stack.SetInternetAccessEnabled(cfg.Network.Resolve)
		if err := stack.StartDNSServer(); err != nil {
			h.Close()
			return nil, err
		}
	}

	log.Debug("network attached",
		"guest_mac", net.HardwareAddr(mac[:]).String(),
		"host_mac", stack.HostMAC().String(),
		"host", stack.HostIP().String(),
		"guest", stack.GuestIP().String(),
	)
	return h, nil
}

// Close stops the stack and flushes the capture file.
func (h *hostNetwork) Close() error {
	err := h.stack.Close()
	if h.capture != nil {
		err = errors.Join(err, h.capture.Close())
	}
	return err
}
