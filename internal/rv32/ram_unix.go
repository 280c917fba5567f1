//go:build unix

package rv32

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocRAM maps anonymous memory so untouched guest pages cost nothing.
func allocRAM(size uint64) ([]byte, func() error, error) {
	if uint64(int(size)) != size {
		return nil, nil, fmt.Errorf("ram size 0x%x exceeds the host address space", size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap guest ram: %w", err)
	}
	return mem, func() error {
		return unix.Munmap(mem)
	}, nil
}
