package rv32

// Page table entry flags
const (
	PteV uint32 = 1 << 0 // Valid
	PteR uint32 = 1 << 1 // Readable
	PteW uint32 = 1 << 2 // Writable
	PteX uint32 = 1 << 3 // Executable
	PteU uint32 = 1 << 4 // User accessible
	PteG uint32 = 1 << 5 // Global
	PteA uint32 = 1 << 6 // Accessed
	PteD uint32 = 1 << 7 // Dirty
)

const (
	PageSize      = 4096
	PageShift     = 12
	MegapageShift = 22
	pteSize       = 4
	tlbEntries    = 256
)

// Access is the kind of memory access being translated.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	}
	return "unknown"
}

// tlbEntry caches the leaf PTE for one 4 KiB virtual page. Megapages are
// cached per 4 KiB page they are used through.
type tlbEntry struct {
	valid bool
	vpn   uint32
	frame uint64 // physical page number of this 4 KiB page
	pte   uint32
}

// MMU translates virtual addresses using the Sv32 page table.
type MMU struct {
	cpu *CPU

	// TLBEnabled toggles the translation cache. Disabled, every access walks.
	TLBEnabled bool
	tlb        [tlbEntries]tlbEntry

	TLBHits   uint64
	TLBMisses uint64
}

// NewMMU creates a new MMU
func NewMMU(cpu *CPU) *MMU {
	return &MMU{
		cpu:        cpu,
		TLBEnabled: true,
	}
}

// FlushTLB invalidates all TLB entries
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlb {
		mmu.tlb[i].valid = false
	}
}

// EffectivePriv returns the privilege a data access is checked against,
// honoring mstatus.MPRV.
func (mmu *MMU) EffectivePriv(access Access) uint8 {
	cpu := mmu.cpu
	if cpu.Priv == PrivMachine && access != AccessExec && cpu.Mstatus&MstatusMPRV != 0 {
		return uint8((cpu.Mstatus & MstatusMPP) >> MstatusMPPShift)
	}
	return cpu.Priv
}

// Translate translates a virtual address for the given access kind at the
// current (effective) privilege level.
func (mmu *MMU) Translate(vaddr uint32, access Access) (uint64, error) {
	priv := mmu.EffectivePriv(access)

	if priv == PrivMachine || mmu.cpu.Satp&SatpModeSv32 == 0 {
		return uint64(vaddr), nil
	}

	vpn := vaddr >> PageShift
	var entry *tlbEntry
	if mmu.TLBEnabled {
		entry = &mmu.tlb[vpn%tlbEntries]
		if entry.valid && entry.vpn == vpn {
			if err := mmu.checkPermissions(entry.pte, access, priv, vaddr); err != nil {
				return 0, err
			}
			// A/D still need updating; take the slow path
			if entry.pte&PteA != 0 && (access != AccessWrite || entry.pte&PteD != 0) {
				mmu.TLBHits++
				return entry.frame<<PageShift | uint64(vaddr&(PageSize-1)), nil
			}
		}
		mmu.TLBMisses++
	}

	paddr, pte, err := mmu.walk(vaddr, access, priv)
	if err != nil {
		return 0, err
	}

	if entry != nil {
		*entry = tlbEntry{
			valid: true,
			vpn:   vpn,
			frame: paddr >> PageShift,
			pte:   pte,
		}
	}
	return paddr, nil
}

// walk performs the two-level Sv32 page table walk, returning the physical
// address together with the (possibly updated) leaf PTE.
func (mmu *MMU) walk(vaddr uint32, access Access, priv uint8) (uint64, uint32, error) {
	bus := mmu.cpu.Bus
	table := uint64(mmu.cpu.Satp&satpPPNMask) << PageShift

	for level := 1; level >= 0; level-- {
		vpn := (vaddr >> (PageShift + 10*level)) & 0x3ff
		pteAddr := table + uint64(vpn)*pteSize

		val, err := bus.Read(pteAddr, pteSize)
		if err != nil {
			return 0, 0, accessFault(access, vaddr)
		}
		pte := uint32(val)

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, 0, pageFault(access, vaddr)
		}

		ppn := uint64(pte >> 10)

		// Pointer to the next level
		if pte&(PteR|PteX) == 0 {
			if level == 0 {
				return 0, 0, pageFault(access, vaddr)
			}
			table = ppn << PageShift
			continue
		}

		// Megapage must be aligned to 4 MiB
		if level == 1 && ppn&0x3ff != 0 {
			return 0, 0, pageFault(access, vaddr)
		}

		if err := mmu.checkPermissions(pte, access, priv, vaddr); err != nil {
			return 0, 0, err
		}

		if pte&PteA == 0 || (access == AccessWrite && pte&PteD == 0) {
			// Without Svadu (menvcfg.ADUE clear) software manages A/D
			if mmu.cpu.Menvcfgh&MenvcfghADUE == 0 {
				return 0, 0, pageFault(access, vaddr)
			}
			pte |= PteA
			if access == AccessWrite {
				pte |= PteD
			}
			if err := bus.Write(pteAddr, pteSize, uint64(pte)); err != nil {
				return 0, 0, accessFault(access, vaddr)
			}
		}

		var paddr uint64
		if level == 1 {
			paddr = (ppn>>10)<<MegapageShift | uint64(vaddr&(1<<MegapageShift-1))
		} else {
			paddr = ppn<<PageShift | uint64(vaddr&(PageSize-1))
		}
		return paddr, pte, nil
	}

	return 0, 0, pageFault(access, vaddr)
}

// checkPermissions checks the leaf PTE against the access and privilege.
func (mmu *MMU) checkPermissions(pte uint32, access Access, priv uint8, vaddr uint32) error {
	mstatus := mmu.cpu.Mstatus

	if priv == PrivUser {
		if pte&PteU == 0 {
			return pageFault(access, vaddr)
		}
	} else if pte&PteU != 0 {
		// S-mode may never execute user pages, and reads/writes need SUM
		if access == AccessExec || mstatus&MstatusSUM == 0 {
			return pageFault(access, vaddr)
		}
	}

	switch access {
	case AccessRead:
		if pte&PteR == 0 && !(mstatus&MstatusMXR != 0 && pte&PteX != 0) {
			return pageFault(access, vaddr)
		}
	case AccessWrite:
		if pte&PteW == 0 {
			return pageFault(access, vaddr)
		}
	case AccessExec:
		if pte&PteX == 0 {
			return pageFault(access, vaddr)
		}
	}
	return nil
}

func pageFault(access Access, vaddr uint32) error {
	switch access {
	case AccessWrite:
		return Exception(CauseStorePageFault, vaddr)
	case AccessExec:
		return Exception(CauseInsnPageFault, vaddr)
	}
	return Exception(CauseLoadPageFault, vaddr)
}

func accessFault(access Access, vaddr uint32) error {
	switch access {
	case AccessWrite:
		return Exception(CauseStoreAccessFault, vaddr)
	case AccessExec:
		return Exception(CauseInsnAccessFault, vaddr)
	}
	return Exception(CauseLoadAccessFault, vaddr)
}
