package rv32

import (
	"io"
	"sync"
)

// UART register offsets (16550 compatible)
const (
	UARTRegRBR = 0 // Receive Buffer Register (read)
	UARTRegTHR = 0 // Transmit Holding Register (write)
	UARTRegIER = 1 // Interrupt Enable Register
	UARTRegIIR = 2 // Interrupt Identification Register (read)
	UARTRegFCR = 2 // FIFO Control Register (write)
	UARTRegLCR = 3 // Line Control Register
	UARTRegMCR = 4 // Modem Control Register
	UARTRegLSR = 5 // Line Status Register
	UARTRegMSR = 6 // Modem Status Register
	UARTRegSCR = 7 // Scratch Register
)

// LSR bits
const (
	UARTLSRDataReady = 1 << 0
	UARTLSRTHREmpty  = 1 << 5
	UARTLSRTxEmpty   = 1 << 6
)

// IER bits
const (
	UARTIERRxAvailable = 1 << 0
	UARTIERTHREmpty    = 1 << 1
)

// IIR values
const (
	UARTIIRNoInterrupt = 0x01
	UARTIIRTHREmpty    = 0x02
	UARTIIRRxAvailable = 0x04
	UARTIIRFIFOEnabled = 0xc0
)

const (
	uartLCRDLAB   = 0x80
	uartFCREnable = 0x01
	uartFCRClrRx  = 0x02
	uartMSRIdle   = 0xb0 // DCD, DSR, CTS asserted
	uartRxLimit   = 4096
)

// UART implements a 16550-compatible UART. Guest register accesses come
// from the hart; EnqueueInput may be called from any goroutine.
type UART struct {
	mu sync.Mutex

	Output io.Writer

	// IRQ is raised while an enabled interrupt condition holds.
	IRQ IRQLine

	ier uint8
	fcr uint8
	lcr uint8
	mcr uint8
	scr uint8
	dll uint8
	dlh uint8

	rx []byte

	// THRE interrupt latch: cleared by reading IIR while it is the
	// reported cause, set again by a THR write or enabling ETBEI.
	threPending bool

	irqHigh bool
}

// NewUART creates a new UART device writing transmitted bytes to output.
func NewUART(output io.Writer) *UART {
	return &UART{
		Output: output,
		dll:    0x0c, // 9600 baud at 1.8432 MHz
	}
}

// Size implements Device
func (uart *UART) Size() uint64 {
	return UARTSize
}

// Read implements Device
func (uart *UART) Read(offset uint64, size int) (uint64, error) {
	uart.mu.Lock()
	defer uart.mu.Unlock()

	dlab := uart.lcr&uartLCRDLAB != 0

	var val uint8
	switch offset {
	case UARTRegRBR:
		if dlab {
			val = uart.dll
			break
		}
		if len(uart.rx) > 0 {
			val = uart.rx[0]
			uart.rx = uart.rx[1:]
		}
	case UARTRegIER:
		if dlab {
			val = uart.dlh
		} else {
			val = uart.ier
		}
	case UARTRegIIR:
		val = uart.iir()
		if val&0x0f == UARTIIRTHREmpty {
			uart.threPending = false
		}
	case UARTRegLCR:
		val = uart.lcr
	case UARTRegMCR:
		val = uart.mcr
	case UARTRegLSR:
		val = UARTLSRTHREmpty | UARTLSRTxEmpty
		if len(uart.rx) > 0 {
			val |= UARTLSRDataReady
		}
	case UARTRegMSR:
		val = uartMSRIdle
	case UARTRegSCR:
		val = uart.scr
	}

	uart.updateInterrupt()
	return uint64(val), nil
}

// Write implements Device
func (uart *UART) Write(offset uint64, size int, value uint64) error {
	uart.mu.Lock()
	defer uart.mu.Unlock()

	data := uint8(value)
	dlab := uart.lcr&uartLCRDLAB != 0

	switch offset {
	case UARTRegTHR:
		if dlab {
			uart.dll = data
			break
		}
		if uart.Output != nil {
			// Console errors are not visible to the guest
			_, _ = uart.Output.Write([]byte{data})
		}
		uart.threPending = true
	case UARTRegIER:
		if dlab {
			uart.dlh = data
			break
		}
		if data&UARTIERTHREmpty != 0 && uart.ier&UARTIERTHREmpty == 0 {
			uart.threPending = true
		}
		uart.ier = data & 0x0f
	case UARTRegFCR:
		uart.fcr = data & (uartFCREnable | 0xc0)
		if data&uartFCRClrRx != 0 {
			uart.rx = nil
		}
	case UARTRegLCR:
		uart.lcr = data
	case UARTRegMCR:
		uart.mcr = data & 0x1f
	case UARTRegSCR:
		uart.scr = data
	}

	uart.updateInterrupt()
	return nil
}

// iir computes the interrupt identification register. Called with mu held.
func (uart *UART) iir() uint8 {
	var fifo uint8
	if uart.fcr&uartFCREnable != 0 {
		fifo = UARTIIRFIFOEnabled
	}
	switch {
	case uart.ier&UARTIERRxAvailable != 0 && len(uart.rx) > 0:
		return fifo | UARTIIRRxAvailable
	case uart.ier&UARTIERTHREmpty != 0 && uart.threPending:
		return fifo | UARTIIRTHREmpty
	}
	return fifo | UARTIIRNoInterrupt
}

// updateInterrupt updates the IRQ line. Called with mu held.
func (uart *UART) updateInterrupt() {
	pending := uart.iir()&UARTIIRNoInterrupt == 0
	if pending == uart.irqHigh {
		return
	}
	uart.irqHigh = pending
	if uart.IRQ != nil {
		uart.IRQ.SetLevel(pending)
	}
}

// EnqueueInput adds input bytes to be read by the guest. Bytes beyond the
// receive buffer limit are dropped.
func (uart *UART) EnqueueInput(data []byte) {
	uart.mu.Lock()
	defer uart.mu.Unlock()

	room := uartRxLimit - len(uart.rx)
	if room <= 0 {
		return
	}
	if len(data) > room {
		data = data[:room]
	}
	uart.rx = append(uart.rx, data...)
	uart.updateInterrupt()
}

// WriteInput has the io.Writer signature so a host input stream can be
// copied straight into the receive buffer.
func (uart *UART) WriteInput(p []byte) (int, error) {
	uart.EnqueueInput(p)
	return len(p), nil
}

// InputPending reports how many received bytes the guest has not read yet.
func (uart *UART) InputPending() int {
	uart.mu.Lock()
	defer uart.mu.Unlock()
	return len(uart.rx)
}

var _ Device = (*UART)(nil)
