package machine

import (
	"fmt"
	"sync"
)

// RAM is a host-allocated guest-physical address range. It backs tests
// and the CLI's machine profiles.
type RAM struct {
	mu     sync.Mutex
	base   uint64
	data   []byte
	frozen bool
}

func NewRAM(base, size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("RAM size must be non-zero")
	}
	if base+size < base {
		return nil, fmt.Errorf("RAM range [%#x, %#x+%#x) wraps the address space", base, base, size)
	}
	return &RAM{base: base, data: make([]byte, size)}, nil
}

func (r *RAM) MemoryBase() uint64 { return r.base }
func (r *RAM) MemorySize() uint64 { return uint64(len(r.data)) }

// Freeze makes all subsequent writes fail. Called on hand-off: the
// address space now belongs to the kernel.
func (r *RAM) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	off -= int64(r.base)
	if off < 0 || off >= int64(len(r.data)) {
		return 0, ErrOutOfRange
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, ErrOutOfRange
	}
	return n, nil
}

func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	frozen := r.frozen
	r.mu.Unlock()
	if frozen {
		return 0, ErrMachineFrozen
	}
	off -= int64(r.base)
	if off < 0 || off >= int64(len(r.data)) {
		return 0, ErrOutOfRange
	}
	n := copy(r.data[off:], p)
	if n < len(p) {
		return n, ErrOutOfRange
	}
	return n, nil
}

var _ Memory = &RAM{}

// RecordingCPU captures the register file a hand-off would program and
// records the final one-way jump instead of executing it.
type RecordingCPU struct {
	Regs   map[Register]uint64
	Fences int
	Entry  uint64
	Jumped bool
	Halted bool

	// FreezeOnJump, when set, freezes the paired RAM at Jump so tests
	// can verify nothing is written after hand-off.
	FreezeOnJump *RAM
}

func NewRecordingCPU() *RecordingCPU {
	return &RecordingCPU{Regs: make(map[Register]uint64)}
}

func (c *RecordingCPU) SetRegisters(regs map[Register]RegisterValue) error {
	if c.Jumped {
		return ErrAlreadyJumped
	}
	if c.Halted {
		return ErrCPUHalted
	}
	for reg, val := range regs {
		v, ok := val.(Register64)
		if !ok {
			return fmt.Errorf("unsupported register value type %T for register %d", val, reg)
		}
		c.Regs[reg] = uint64(v)
	}
	return nil
}

func (c *RecordingCPU) Fence() error {
	if c.Jumped {
		return ErrAlreadyJumped
	}
	c.Fences++
	return nil
}

func (c *RecordingCPU) Jump(entry uint64) error {
	if c.Jumped {
		return ErrAlreadyJumped
	}
	if c.Halted {
		return ErrCPUHalted
	}
	c.Entry = entry
	c.Jumped = true
	if c.FreezeOnJump != nil {
		c.FreezeOnJump.Freeze()
	}
	return nil
}

func (c *RecordingCPU) Halt() {
	c.Halted = true
}

var _ CPU = &RecordingCPU{}
