package rv32

import (
	"errors"
	"testing"
	"time"
)

func expectException(t *testing.T, err error, cause uint32) {
	t.Helper()
	var exc ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("expected exception %q, got %v", CauseName(cause), err)
	}
	if exc.Cause != cause {
		t.Fatalf("expected exception %q, got %q", CauseName(cause), CauseName(exc.Cause))
	}
}

func TestCSRPrivilegeChecks(t *testing.T) {
	cpu := newTestMachine(t, Options{}).CPU

	tests := []struct {
		name  string
		csr   uint16
		priv  uint8
		write bool
	}{
		{"mstatus from S", CSRMstatus, PrivSupervisor, false},
		{"sstatus from U", CSRSstatus, PrivUser, false},
		{"mvendorid write", CSRMvendorid, PrivMachine, true},
		{"cycle write", CSRCycle, PrivMachine, true},
		{"unimplemented", 0x7c0, PrivMachine, false},
		{"unimplemented supervisor", 0x5c0, PrivMachine, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.write {
				err = cpu.WriteCSR(tt.csr, tt.priv, 1)
			} else {
				_, err = cpu.ReadCSR(tt.csr, tt.priv)
			}
			expectException(t, err, CauseIllegalInsn)
		})
	}
}

func TestSstatusAliasesMstatus(t *testing.T) {
	cpu := newTestMachine(t, Options{}).CPU

	if err := cpu.WriteCSR(CSRMstatus, PrivMachine, MstatusMIE|MstatusSIE|MstatusSUM); err != nil {
		t.Fatal(err)
	}
	sstatus, err := cpu.ReadCSR(CSRSstatus, PrivSupervisor)
	if err != nil {
		t.Fatal(err)
	}
	if sstatus != MstatusSIE|MstatusSUM {
		t.Fatalf("sstatus: expected 0x%x, got 0x%x", MstatusSIE|MstatusSUM, sstatus)
	}

	if err := cpu.WriteCSR(CSRSstatus, PrivSupervisor, MstatusMIE); err != nil {
		t.Fatal(err)
	}
	if cpu.Mstatus != MstatusMIE {
		t.Fatalf("mstatus after sstatus write: expected 0x%x, got 0x%x", MstatusMIE, cpu.Mstatus)
	}
}

func TestMstatusReservedMPP(t *testing.T) {
	cpu := newTestMachine(t, Options{}).CPU

	cpu.WriteCSR(CSRMstatus, PrivMachine, uint32(PrivSupervisor)<<MstatusMPPShift)
	cpu.WriteCSR(CSRMstatus, PrivMachine, 2<<MstatusMPPShift)

	if mpp := (cpu.Mstatus & MstatusMPP) >> MstatusMPPShift; mpp != uint32(PrivSupervisor) {
		t.Fatalf("expected MPP to stay S, got %d", mpp)
	}
}

func TestSieSipAreDelegatedViews(t *testing.T) {
	cpu := newTestMachine(t, Options{}).CPU
	cpu.Mideleg = MipSSIP | MipSTIP

	if err := cpu.WriteCSR(CSRSie, PrivSupervisor, 0xffff_ffff); err != nil {
		t.Fatal(err)
	}
	if cpu.Mie != MipSSIP|MipSTIP {
		t.Fatalf("mie: expected 0x%x, got 0x%x", MipSSIP|MipSTIP, cpu.Mie)
	}

	if err := cpu.WriteCSR(CSRSip, PrivSupervisor, MipSSIP); err != nil {
		t.Fatal(err)
	}
	sip, _ := cpu.ReadCSR(CSRSip, PrivSupervisor)
	if sip != MipSSIP {
		t.Fatalf("sip: expected SSIP, got 0x%x", sip)
	}

	cpu.Mideleg = 0
	cpu.Mip = 0
	cpu.WriteCSR(CSRSip, PrivSupervisor, MipSSIP)
	if cpu.Mip != 0 {
		t.Fatalf("sip write without delegation changed mip: 0x%x", cpu.Mip)
	}
}

func TestSatpWrite(t *testing.T) {
	cpu := newTestMachine(t, Options{}).CPU

	if err := cpu.WriteCSR(CSRSatp, PrivMachine, 0xffff_ffff); err != nil {
		t.Fatal(err)
	}
	if cpu.Satp != 0x803f_ffff {
		t.Fatalf("satp: expected 0x803fffff, got 0x%x", cpu.Satp)
	}

	cpu.Mstatus |= MstatusTVM
	expectException(t, cpu.WriteCSR(CSRSatp, PrivSupervisor, 0), CauseIllegalInsn)
	if err := cpu.WriteCSR(CSRSatp, PrivMachine, 0); err != nil {
		t.Fatalf("M-mode satp write with TVM: %v", err)
	}
}

func TestMipReflectsDeviceLines(t *testing.T) {
	m := newTestMachine(t, Options{})
	cpu := m.CPU

	if err := m.CLINT.Write(CLINTMsip, 4, 1); err != nil {
		t.Fatal(err)
	}
	mip, _ := cpu.ReadCSR(CSRMip, PrivMachine)
	if mip&MipMSIP == 0 {
		t.Fatalf("mip.MSIP not set after msip write: 0x%x", mip)
	}

	m.CLINT.Write(CLINTMsip, 4, 0)
	mip, _ = cpu.ReadCSR(CSRMip, PrivMachine)
	if mip&MipMSIP != 0 {
		t.Fatalf("mip.MSIP still set after clear: 0x%x", mip)
	}

	// device-driven bits are not writable through mip
	cpu.WriteCSR(CSRMip, PrivMachine, MipMTIP|MipMSIP)
	if cpu.Mip != 0 {
		t.Fatalf("mip write set read-only bits: 0x%x", cpu.Mip)
	}
}

func TestMipSeesWallClockTimer(t *testing.T) {
	m := newTestMachine(t, Options{Timer: TimerWall})
	cpu := m.CPU

	if err := m.CLINT.Write(CLINTMtimecmp, 4, 1000); err != nil {
		t.Fatal(err)
	}
	m.CLINT.Write(CLINTMtimecmp+4, 4, 0)
	time.Sleep(5 * time.Millisecond)

	// No step has run since the timer expired.
	mip, err := cpu.ReadCSR(CSRMip, PrivMachine)
	if err != nil {
		t.Fatal(err)
	}
	if mip&MipMTIP == 0 {
		t.Fatalf("mip.MTIP not set after mtimecmp passed: 0x%x", mip)
	}
}

func TestWFIWakesOnWallClockTimer(t *testing.T) {
	m := newTestMachine(t, Options{Timer: TimerWall})
	cpu := m.CPU
	cpu.Mie = MipMTIP
	cpu.WFI = true

	m.CLINT.Write(CLINTMtimecmp, 4, 1000)
	m.CLINT.Write(CLINTMtimecmp+4, 4, 0)
	time.Sleep(5 * time.Millisecond)

	m.Step()
	if cpu.WFI {
		t.Fatal("hart still waiting after the timer expired")
	}
}

func TestCounterEnable(t *testing.T) {
	m := newTestMachine(t, Options{})
	cpu := m.CPU
	cpu.Cycle = 1234

	_, err := cpu.ReadCSR(CSRCycle, PrivSupervisor)
	expectException(t, err, CauseIllegalInsn)

	cpu.Mcounteren = CounterCY
	if v, err := cpu.ReadCSR(CSRCycle, PrivSupervisor); err != nil || v != 1234 {
		t.Fatalf("cycle from S: got %d, %v", v, err)
	}
	_, err = cpu.ReadCSR(CSRCycle, PrivUser)
	expectException(t, err, CauseIllegalInsn)

	cpu.Scounteren = CounterCY
	if _, err := cpu.ReadCSR(CSRCycle, PrivUser); err != nil {
		t.Fatalf("cycle from U: %v", err)
	}

	// instret is still gated
	_, err = cpu.ReadCSR(CSRInstret, PrivUser)
	expectException(t, err, CauseIllegalInsn)
}

func TestTimeCSRFollowsCLINT(t *testing.T) {
	m := newTestMachine(t, Options{})
	m.CLINT.SetMtime(0x1_0000_0005)

	lo, _ := m.CPU.ReadCSR(CSRTime, PrivMachine)
	hi, _ := m.CPU.ReadCSR(CSRTimeh, PrivMachine)
	if lo != 5 || hi != 1 {
		t.Fatalf("time: expected 0x1_00000005, got 0x%x_%08x", hi, lo)
	}
}

func TestCSRInstructionFaultHasNoSideEffects(t *testing.T) {
	m := newTestMachine(t, Options{})
	base := uint32(RAMBase)
	m.CPU.Mtvec = base + 0x100

	bad := csrrw(a1, CSRMvendorid, a0)
	code := program(
		addi(a0, zero, 5),
		addi(a1, zero, 9),
		bad,
	)
	loadProgram(t, m, RAMBase, code)
	m.RunN(3)

	if m.CPU.Mcause != CauseIllegalInsn || m.CPU.Mtval != bad {
		t.Fatalf("expected illegal instruction with tval 0x%x, got cause %d tval 0x%x", bad, m.CPU.Mcause, m.CPU.Mtval)
	}
	if m.CPU.X[a1] != 9 {
		t.Fatalf("rd written by faulting csrrw: %d", m.CPU.X[a1])
	}
}

func TestCSRReadOnlyAccessWithZeroSource(t *testing.T) {
	m := newTestMachine(t, Options{})
	m.CPU.Mhartid = 3

	loadProgram(t, m, RAMBase, program(csrrs(a0, CSRMhartid, zero)))
	m.Step()

	if m.CPU.Mcause != 0 {
		t.Fatalf("csrrs with x0 on a read-only CSR trapped: cause %d", m.CPU.Mcause)
	}
	if m.CPU.X[a0] != 3 {
		t.Fatalf("expected hartid 3, got %d", m.CPU.X[a0])
	}
}

func TestCSRScratchAndMisa(t *testing.T) {
	cpu := newTestMachine(t, Options{}).CPU

	cpu.WriteCSR(CSRMscratch, PrivMachine, 0xdead_beef)
	if v, _ := cpu.ReadCSR(CSRMscratch, PrivMachine); v != 0xdead_beef {
		t.Errorf("mscratch: got 0x%x", v)
	}

	misa, _ := cpu.ReadCSR(CSRMisa, PrivMachine)
	want := MXL32 | MisaA | MisaI | MisaM | MisaS | MisaU
	if misa != want {
		t.Errorf("misa: expected 0x%x, got 0x%x", want, misa)
	}
	cpu.WriteCSR(CSRMisa, PrivMachine, 0)
	if misa2, _ := cpu.ReadCSR(CSRMisa, PrivMachine); misa2 != want {
		t.Errorf("misa changed after write: 0x%x", misa2)
	}

	cpu.WriteCSR(CSRMepc, PrivMachine, 0x8000_0003)
	if cpu.Mepc != 0x8000_0000 {
		t.Errorf("mepc low bits not cleared: 0x%x", cpu.Mepc)
	}
}
