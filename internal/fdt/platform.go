package fdt

import (
	"fmt"

	"github.com/tinyrange/rv32/internal/rv32"
)

// ISA is the riscv,isa string for the emulated hart.
const ISA = "rv32ima_zicntr_zicsr_zifencei_svadu"

var isaExtensions = []string{"i", "m", "a", "zicntr", "zicsr", "zifencei", "svadu"}

const (
	phandleIntc = 1
	phandlePLIC = 2
	phandleTest = 3
)

// Platform describes the machine a tree is generated for.
type Platform struct {
	HartID            uint32
	RAMBase           uint64
	RAMSize           uint64
	TimebaseFrequency uint32
	Bootargs          string
	Layout            rv32.Layout
}

// Generate builds the device tree of a single-hart virt-style machine.
// Disabled devices are left out.
func Generate(p Platform) (*Node, error) {
	if p.RAMSize == 0 {
		return nil, fmt.Errorf("%w: platform has no RAM", ErrMalformed)
	}
	timebase := p.TimebaseFrequency
	if timebase == 0 {
		timebase = rv32.DefaultTimerFrequency
	}

	chosen := NewNode("chosen")
	if p.Bootargs != "" {
		chosen.Properties = append(chosen.Properties, Strings("bootargs", p.Bootargs))
	}
	if !p.Layout.UART.Disabled {
		chosen.Properties = append(chosen.Properties,
			Strings("stdout-path", fmt.Sprintf("/soc/serial@%x", p.Layout.UART.Base)))
	}

	cpu := NewNode(fmt.Sprintf("cpu@%d", p.HartID),
		Strings("device_type", "cpu"),
		U32("reg", p.HartID),
		Strings("status", "okay"),
		Strings("compatible", "riscv"),
		Strings("riscv,isa", ISA),
		Strings("riscv,isa-base", "rv32i"),
		Strings("riscv,isa-extensions", isaExtensions...),
		Strings("mmu-type", "riscv,sv32"),
	).Add(NewNode("interrupt-controller",
		U32("#interrupt-cells", 1),
		Empty("interrupt-controller"),
		Strings("compatible", "riscv,cpu-intc"),
		U32("phandle", phandleIntc),
	))

	cpus := NewNode("cpus",
		U32("#address-cells", 1),
		U32("#size-cells", 0),
		U32("timebase-frequency", timebase),
	).Add(cpu)

	memory := NewNode(fmt.Sprintf("memory@%x", p.RAMBase),
		Strings("device_type", "memory"),
		Cells2("reg", p.RAMBase, p.RAMSize),
	)

	soc := NewNode("soc",
		U32("#address-cells", 2),
		U32("#size-cells", 2),
		Strings("compatible", "simple-bus"),
		Empty("ranges"),
	)

	if l := p.Layout.CLINT; !l.Disabled {
		soc.Add(NewNode(fmt.Sprintf("clint@%x", l.Base),
			Strings("compatible", "sifive,clint0", "riscv,clint0"),
			Cells2("reg", l.Base, rv32.CLINTSize),
			U32("interrupts-extended",
				phandleIntc, rv32.CauseMSoftwareInt&^rv32.CauseInterrupt,
				phandleIntc, rv32.CauseMTimerInt&^rv32.CauseInterrupt),
		))
	}

	if l := p.Layout.PLIC; !l.Disabled {
		soc.Add(NewNode(fmt.Sprintf("plic@%x", l.Base),
			Strings("compatible", "sifive,plic-1.0.0", "riscv,plic0"),
			U32("#address-cells", 0),
			U32("#interrupt-cells", 1),
			Empty("interrupt-controller"),
			Cells2("reg", l.Base, rv32.PLICSize),
			U32("interrupts-extended",
				phandleIntc, rv32.CauseMExternalInt&^rv32.CauseInterrupt,
				phandleIntc, rv32.CauseSExternalInt&^rv32.CauseInterrupt),
			U32("riscv,ndev", rv32.PLICSources-1),
			U32("phandle", phandlePLIC),
		))
	}

	if l := p.Layout.UART; !l.Disabled {
		uart := NewNode(fmt.Sprintf("serial@%x", l.Base),
			Strings("compatible", "ns16550a"),
			Cells2("reg", l.Base, rv32.UARTSize),
			U32("clock-frequency", 3686400),
		)
		if !p.Layout.PLIC.Disabled {
			uart.Properties = append(uart.Properties,
				U32("interrupts", rv32.UARTIRQ),
				U32("interrupt-parent", phandlePLIC))
		}
		soc.Add(uart)
	}

	if l := p.Layout.Net; !l.Disabled {
		net := NewNode(fmt.Sprintf("virtio_mmio@%x", l.Base),
			Strings("compatible", "virtio,mmio"),
			Cells2("reg", l.Base, rv32.VirtioSize),
			Empty("dma-coherent"),
		)
		if !p.Layout.PLIC.Disabled {
			net.Properties = append(net.Properties,
				U32("interrupts", rv32.VirtioNetIRQ),
				U32("interrupt-parent", phandlePLIC))
		}
		soc.Add(net)
	}

	root := NewNode("",
		U32("#address-cells", 2),
		U32("#size-cells", 2),
		Strings("compatible", "riscv-virtio"),
		Strings("model", "riscv-virtio,rv32"),
	).Add(chosen, cpus, memory, soc)

	if l := p.Layout.Finisher; !l.Disabled {
		soc.Add(NewNode(fmt.Sprintf("test@%x", l.Base),
			Strings("compatible", "sifive,test1", "sifive,test0", "syscon"),
			Cells2("reg", l.Base, rv32.FinisherSize),
			U32("phandle", phandleTest),
		))
		root.Add(
			NewNode("poweroff",
				Strings("compatible", "syscon-poweroff"),
				U32("regmap", phandleTest),
				U32("offset", 0),
				U32("value", rv32.FinisherPass),
			),
			NewNode("reboot",
				Strings("compatible", "syscon-reboot"),
				U32("regmap", phandleTest),
				U32("offset", 0),
				U32("value", rv32.FinisherReset),
			),
		)
	}

	return root, nil
}

// Blob generates and encodes the tree for p.
func Blob(p Platform) ([]byte, error) {
	root, err := Generate(p)
	if err != nil {
		return nil, err
	}
	return Encode(root)
}
