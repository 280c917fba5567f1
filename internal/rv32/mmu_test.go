package rv32

import (
	"testing"

	"github.com/onsi/gomega"
)

// sv32Env is a hart with 4 MiB of RAM at physical address 0 and an Sv32
// root table at 0x1000. Second level tables are allocated from 0x2000.
type sv32Env struct {
	t    *testing.T
	cpu  *CPU
	bus  *Bus
	next uint64
}

const (
	testRoot    = 0x1000
	testRAMSize = 4 << 20
)

func newSv32Env(t *testing.T) *sv32Env {
	t.Helper()
	ram, err := NewRAM(testRAMSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ram.Close() })

	bus := NewBus(0, ram)
	cpu := NewCPU(bus)
	cpu.Satp = SatpModeSv32 | testRoot>>PageShift
	cpu.Priv = PrivSupervisor
	return &sv32Env{t: t, cpu: cpu, bus: bus, next: 0x2000}
}

func (e *sv32Env) pte(addr uint64) uint32 {
	return readWord(e.t, e.bus, addr)
}

// mapMega installs a level-1 leaf.
func (e *sv32Env) mapMega(va uint32, pa uint64, flags uint32) uint64 {
	addr := uint64(testRoot) + uint64(va>>22)*4
	writeWord(e.t, e.bus, addr, uint32(pa>>PageShift)<<10|flags)
	return addr
}

// mapPage installs a 4 KiB leaf and returns the PTE address.
func (e *sv32Env) mapPage(va uint32, pa uint64, flags uint32) uint64 {
	l1 := uint64(testRoot) + uint64(va>>22)*4
	entry := e.pte(l1)
	if entry&PteV == 0 {
		table := e.next
		e.next += PageSize
		entry = uint32(table>>PageShift)<<10 | PteV
		writeWord(e.t, e.bus, l1, entry)
	}
	table := uint64(entry>>10) << PageShift
	addr := table + uint64((va>>12)&0x3ff)*4
	writeWord(e.t, e.bus, addr, uint32(pa>>PageShift)<<10|flags)
	return addr
}

const rwxad = PteV | PteR | PteW | PteX | PteA | PteD

func TestMegapageTranslation(t *testing.T) {
	g := gomega.NewWithT(t)
	ram, err := NewRAM(testRAMSize)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	defer ram.Close()

	bus := NewBus(0, ram)
	cpu := NewCPU(bus)
	writeWord(t, bus, 4, 0xcafe_f00d)

	// VA 0x80000000 -> PA 0 as a 4 MiB superpage, RWX, not U
	writeWord(t, bus, testRoot+0x200*4, 0<<10|PteV|PteR|PteW|PteX|PteA|PteD)
	g.Expect(cpu.WriteCSR(CSRSatp, PrivMachine, SatpModeSv32|testRoot>>PageShift)).To(gomega.Succeed())
	cpu.Priv = PrivSupervisor

	paddr, err := cpu.MMU.Translate(0x8000_0004, AccessRead)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(paddr).To(gomega.Equal(uint64(4)))

	cpu.X[a0] = 0x8000_0000
	g.Expect(cpu.Execute(Decode(lw(a1, a0, 4)))).To(gomega.Succeed())
	g.Expect(cpu.X[a1]).To(gomega.Equal(uint32(0xcafe_f00d)))
}

func TestTranslateStoreThenPhysicalRead(t *testing.T) {
	g := gomega.NewWithT(t)
	e := newSv32Env(t)
	e.mapPage(0x0040_3000, 0x8000, rwxad)

	e.cpu.X[a0] = 0x0040_3010
	e.cpu.X[a1] = 0x1234_5678
	g.Expect(e.cpu.Execute(Decode(sw(a1, a0, 0)))).To(gomega.Succeed())
	g.Expect(readWord(t, e.bus, 0x8010)).To(gomega.Equal(uint32(0x1234_5678)))
}

func TestBareAndMachineModeAreIdentity(t *testing.T) {
	g := gomega.NewWithT(t)
	e := newSv32Env(t)

	e.cpu.Priv = PrivMachine
	paddr, err := e.cpu.MMU.Translate(0x0012_3456, AccessWrite)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(paddr).To(gomega.Equal(uint64(0x0012_3456)))

	e.cpu.Priv = PrivSupervisor
	e.cpu.Satp = 0
	paddr, err = e.cpu.MMU.Translate(0x0012_3456, AccessExec)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(paddr).To(gomega.Equal(uint64(0x0012_3456)))
}

func TestSvaduSetsAccessedAndDirty(t *testing.T) {
	g := gomega.NewWithT(t)
	e := newSv32Env(t)
	pteAddr := e.mapPage(0x0040_0000, 0x8000, PteV|PteR|PteW)

	_, err := e.cpu.MMU.Translate(0x0040_0000, AccessRead)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(e.pte(pteAddr) & (PteA | PteD)).To(gomega.Equal(PteA))

	_, err = e.cpu.MMU.Translate(0x0040_0004, AccessWrite)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(e.pte(pteAddr) & (PteA | PteD)).To(gomega.Equal(PteA | PteD))
}

func TestSvadeFaultsWithoutADUE(t *testing.T) {
	g := gomega.NewWithT(t)
	e := newSv32Env(t)
	e.cpu.Menvcfgh = 0
	pteAddr := e.mapPage(0x0040_0000, 0x8000, PteV|PteR|PteW)

	_, err := e.cpu.MMU.Translate(0x0040_0000, AccessRead)
	g.Expect(err).To(gomega.Equal(Exception(CauseLoadPageFault, 0x0040_0000)))
	g.Expect(e.pte(pteAddr) & PteA).To(gomega.BeZero())
}

func TestPageFaults(t *testing.T) {
	const va = 0x0040_5008

	tests := []struct {
		name   string
		flags  uint32
		priv   uint8
		sum    bool
		mxr    bool
		access Access
		cause  uint32
	}{
		{"invalid", PteR | PteA, PrivSupervisor, false, false, AccessRead, CauseLoadPageFault},
		{"write without read", PteV | PteW | PteA | PteD, PrivSupervisor, false, false, AccessRead, CauseLoadPageFault},
		{"store to read-only", PteV | PteR | PteA, PrivSupervisor, false, false, AccessWrite, CauseStorePageFault},
		{"exec of non-exec", PteV | PteR | PteA, PrivSupervisor, false, false, AccessExec, CauseInsnPageFault},
		{"user on supervisor page", PteV | PteR | PteA, PrivUser, false, false, AccessRead, CauseLoadPageFault},
		{"supervisor on user page", PteV | PteR | PteU | PteA, PrivSupervisor, false, false, AccessRead, CauseLoadPageFault},
		{"supervisor exec of user page with SUM", PteV | PteX | PteU | PteA, PrivSupervisor, true, false, AccessExec, CauseInsnPageFault},
		{"load of exec-only", PteV | PteX | PteA, PrivSupervisor, false, false, AccessRead, CauseLoadPageFault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := gomega.NewWithT(t)
			e := newSv32Env(t)
			e.mapPage(va, 0x9000, tt.flags)
			e.cpu.Priv = tt.priv
			if tt.sum {
				e.cpu.Mstatus |= MstatusSUM
			}
			if tt.mxr {
				e.cpu.Mstatus |= MstatusMXR
			}

			_, err := e.cpu.MMU.Translate(va, tt.access)
			g.Expect(err).To(gomega.Equal(Exception(tt.cause, va)))
		})
	}
}

func TestPermissionOverrides(t *testing.T) {
	const va = 0x0040_5008

	tests := []struct {
		name   string
		flags  uint32
		priv   uint8
		status uint32
		access Access
	}{
		{"user page from U", PteV | PteR | PteU | PteA, PrivUser, 0, AccessRead},
		{"user page from S with SUM", PteV | PteR | PteW | PteU | PteA | PteD, PrivSupervisor, MstatusSUM, AccessWrite},
		{"exec-only readable with MXR", PteV | PteX | PteA, PrivSupervisor, MstatusMXR, AccessRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := gomega.NewWithT(t)
			e := newSv32Env(t)
			e.mapPage(va, 0x9000, tt.flags)
			e.cpu.Priv = tt.priv
			e.cpu.Mstatus |= tt.status

			paddr, err := e.cpu.MMU.Translate(va, tt.access)
			g.Expect(err).NotTo(gomega.HaveOccurred())
			g.Expect(paddr).To(gomega.Equal(uint64(0x9008)))
		})
	}
}

func TestMalformedTables(t *testing.T) {
	g := gomega.NewWithT(t)

	// pointer PTE at level 0
	e := newSv32Env(t)
	e.mapPage(0x0040_0000, 0x3000, PteV)
	_, err := e.cpu.MMU.Translate(0x0040_0000, AccessRead)
	g.Expect(err).To(gomega.Equal(Exception(CauseLoadPageFault, 0x0040_0000)))

	// megapage whose PPN[0] is not zero
	e = newSv32Env(t)
	e.mapMega(0x0080_0000, 0x1000, rwxad)
	_, err = e.cpu.MMU.Translate(0x0080_0010, AccessWrite)
	g.Expect(err).To(gomega.Equal(Exception(CauseStorePageFault, 0x0080_0010)))
}

func TestMPRVUsesPreviousPrivilege(t *testing.T) {
	g := gomega.NewWithT(t)
	e := newSv32Env(t)
	e.mapPage(0x0040_0000, 0x8000, rwxad)

	e.cpu.Priv = PrivMachine
	e.cpu.Mstatus = MstatusMPRV | uint32(PrivSupervisor)<<MstatusMPPShift

	paddr, err := e.cpu.MMU.Translate(0x0040_0010, AccessRead)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(paddr).To(gomega.Equal(uint64(0x8010)))

	// fetches ignore MPRV
	paddr, err = e.cpu.MMU.Translate(0x0040_0010, AccessExec)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(paddr).To(gomega.Equal(uint64(0x0040_0010)))
}

func TestTLBInvalidation(t *testing.T) {
	g := gomega.NewWithT(t)
	e := newSv32Env(t)
	mmu := e.cpu.MMU
	pteAddr := e.mapPage(0x0040_0000, 0x8000, rwxad)

	_, err := mmu.Translate(0x0040_0000, AccessRead)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	_, err = mmu.Translate(0x0040_0004, AccessRead)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(mmu.TLBMisses).To(gomega.Equal(uint64(1)))
	g.Expect(mmu.TLBHits).To(gomega.Equal(uint64(1)))

	// the cached entry survives until sfence.vma
	writeWord(t, e.bus, pteAddr, 0)
	_, err = mmu.Translate(0x0040_0000, AccessRead)
	g.Expect(err).NotTo(gomega.HaveOccurred())

	g.Expect(e.cpu.Execute(Decode(0x1200_0073))).To(gomega.Succeed())
	_, err = mmu.Translate(0x0040_0000, AccessRead)
	g.Expect(err).To(gomega.Equal(Exception(CauseLoadPageFault, 0x0040_0000)))

	// a satp write also flushes
	e.mapPage(0x0040_0000, 0x8000, rwxad)
	_, err = mmu.Translate(0x0040_0000, AccessRead)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	writeWord(t, e.bus, pteAddr, 0)
	g.Expect(e.cpu.WriteCSR(CSRSatp, PrivSupervisor, e.cpu.Satp)).To(gomega.Succeed())
	_, err = mmu.Translate(0x0040_0000, AccessRead)
	g.Expect(err).To(gomega.HaveOccurred())
}

func TestTLBHitRechecksPermissions(t *testing.T) {
	g := gomega.NewWithT(t)
	e := newSv32Env(t)
	e.mapPage(0x0040_0000, 0x8000, PteV|PteR|PteA|PteD)

	_, err := e.cpu.MMU.Translate(0x0040_0000, AccessRead)
	g.Expect(err).NotTo(gomega.HaveOccurred())

	_, err = e.cpu.MMU.Translate(0x0040_0000, AccessWrite)
	g.Expect(err).To(gomega.Equal(Exception(CauseStorePageFault, 0x0040_0000)))

	e.cpu.Priv = PrivUser
	_, err = e.cpu.MMU.Translate(0x0040_0000, AccessRead)
	g.Expect(err).To(gomega.Equal(Exception(CauseLoadPageFault, 0x0040_0000)))
}

func TestDisabledTLBAlwaysWalks(t *testing.T) {
	g := gomega.NewWithT(t)
	e := newSv32Env(t)
	e.cpu.MMU.TLBEnabled = false
	pteAddr := e.mapPage(0x0040_0000, 0x8000, rwxad)

	_, err := e.cpu.MMU.Translate(0x0040_0000, AccessRead)
	g.Expect(err).NotTo(gomega.HaveOccurred())

	writeWord(t, e.bus, pteAddr, 0)
	_, err = e.cpu.MMU.Translate(0x0040_0000, AccessRead)
	g.Expect(err).To(gomega.HaveOccurred())
	g.Expect(e.cpu.MMU.TLBHits).To(gomega.BeZero())
}

func TestPageTableAccessFault(t *testing.T) {
	g := gomega.NewWithT(t)
	e := newSv32Env(t)
	// root outside RAM
	e.cpu.Satp = SatpModeSv32 | 0x10_0000

	_, err := e.cpu.MMU.Translate(0x0040_0000, AccessWrite)
	g.Expect(err).To(gomega.Equal(Exception(CauseStoreAccessFault, 0x0040_0000)))
}
