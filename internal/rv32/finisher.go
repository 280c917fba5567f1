package rv32

// Finisher commands, written to offset 0. The upper 16 bits of a fail
// command carry the exit code; a fail with code 0 halts with code 1.
const (
	FinisherFail  = 0x3333
	FinisherPass  = 0x5555
	FinisherReset = 0x7777
)

// Finisher implements the SiFive test device used by firmware and Linux
// (syscon-poweroff / syscon-reboot) to end the simulation.
type Finisher struct {
	// OnHalt is called with the guest-provided exit code.
	OnHalt func(code uint32)
	// OnReset is called when the guest requests a reboot.
	OnReset func()
}

// NewFinisher creates a finisher device.
func NewFinisher(onHalt func(code uint32), onReset func()) *Finisher {
	return &Finisher{OnHalt: onHalt, OnReset: onReset}
}

// Size implements Device
func (f *Finisher) Size() uint64 {
	return FinisherSize
}

// Read implements Device
func (f *Finisher) Read(offset uint64, size int) (uint64, error) {
	return 0, nil
}

// Write implements Device
func (f *Finisher) Write(offset uint64, size int, value uint64) error {
	if offset != 0 {
		return nil
	}

	v := uint32(value)
	switch v & 0xffff {
	case FinisherPass:
		if f.OnHalt != nil {
			f.OnHalt(0)
		}
	case FinisherFail:
		// a fail command never reports success
		code := v >> 16
		if code == 0 {
			code = 1
		}
		if f.OnHalt != nil {
			f.OnHalt(code)
		}
	case FinisherReset:
		if f.OnReset != nil {
			f.OnReset()
		}
	}
	return nil
}

var _ Device = (*Finisher)(nil)
