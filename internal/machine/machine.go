// Package machine models the physical address space and boot processor
// that the loader pipeline operates on. The pipeline owns the whole
// address space until hand-off; after Jump the machine belongs to the
// kernel and refuses further writes.
package machine

import (
	"errors"
	"io"
)

var (
	ErrMachineFrozen = errors.New("machine memory frozen after hand-off")
	ErrOutOfRange    = errors.New("physical address outside RAM")
	ErrAlreadyJumped = errors.New("boot processor already jumped")
	ErrCPUHalted     = errors.New("boot processor halted")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
	ArchitectureRISCV64 CpuArchitecture = "riscv64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 registers plus the control state the hand-off programs.
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rdi
	RegisterAMD64Rsi
	RegisterAMD64Rsp
	RegisterAMD64Rip
	RegisterAMD64Rflags
	RegisterAMD64Cr0
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer

	// ARM64 registers.
	RegisterARM64X0
	RegisterARM64X1
	RegisterARM64Sp
	RegisterARM64Pc
	RegisterARM64Pstate
	RegisterARM64Ttbr0
	RegisterARM64Sctlr

	// RISC-V64 registers. X10/X11 are the a0/a1 argument registers.
	RegisterRISCVX2
	RegisterRISCVX10
	RegisterRISCVX11
	RegisterRISCVPc
	RegisterRISCVSatp
)

// Memory is a window onto guest-physical RAM. Offsets passed to ReadAt
// and WriteAt are physical addresses, not slice indices.
type Memory interface {
	io.ReaderAt
	io.WriterAt
	MemoryBase() uint64
	MemorySize() uint64
}

// CPU is the boot processor. Jump is one-way on real hardware; model
// implementations record the final state and return so the caller can
// observe it.
type CPU interface {
	SetRegisters(regs map[Register]RegisterValue) error
	// Fence issues the architectural memory barrier required before the
	// hand-off jump (a serializing instruction on x86_64, dsb sy/isb on
	// ARM64, fence rw,rw/fence.i on RISC-V64).
	Fence() error
	Jump(entry uint64) error
	Halt()
}

// Machine couples an address space with its boot processor and the
// register state the firmware left behind at entry.
type Machine struct {
	Arch CpuArchitecture
	Mem  Memory
	CPU  CPU

	// FirmwareHandle is the value of the architecturally designated
	// handoff register at entry: an EFI system-table pointer, a
	// multiboot-style info pointer, or a device-tree blob address.
	// Zero when the firmware passes nothing.
	FirmwareHandle uint64

	// TagRegister is the secondary handoff register (eax on x86_64)
	// used by multiboot-style loaders to identify themselves.
	TagRegister uint64
}
