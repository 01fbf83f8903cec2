// Package handoff establishes the architectural state the kernel
// expects (stack, paging, register file) and performs the one-way
// jump. Everything architecture-specific in the pipeline lives here.
package handoff

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multios-dev/bootstage/internal/machine"
	"github.com/multios-dev/bootstage/internal/memmap"
	"github.com/multios-dev/bootstage/internal/platform"
)

var (
	ErrPagingSetupFailed     = errors.New("paging setup failed")
	ErrStackAllocationFailed = errors.New("stack allocation failed")
)

// StackSize is the kernel entry stack, 16-byte aligned at the top.
const StackSize = 64 << 10

const (
	pageSize = 0x1000
	gib      = uint64(1) << 30
	mib2     = uint64(2) << 20

	// HighHalfBase is the x86_64 alias of physical memory the kernel
	// runs from after it takes over paging.
	HighHalfBase = 0xFFFF_8000_0000_0000
)

// Context is the prepared hand-off state. The boot-info argument
// register is filled in at Jump, after the record has been placed.
type Context struct {
	Arch       machine.CpuArchitecture
	Entry      uint64
	StackTop   uint64
	PagingRoot uint64

	regs map[machine.Register]machine.RegisterValue
}

// Prepare reserves the stack and page-table regions, builds the
// per-architecture translation tables in machine memory, and returns
// the updated map plus the context Jump consumes. The reservations are
// made before boot-info is serialized so the record describes the
// final map.
func Prepare(desc platform.Descriptor, m *machine.Machine, mm memmap.Map, entry uint64) (memmap.Map, *Context, error) {
	// Stack and page tables sit at the top of backed RAM, leaving low
	// memory to the kernel, its modules, and the boot-info record.
	stackBase, _, ok := mm.FindUsableTop(StackSize, 16, ramTop(m))
	if !ok {
		return memmap.Map{}, nil, fmt.Errorf("%w: no usable region of %d bytes", ErrStackAllocationFailed, StackSize)
	}
	mm, err := mm.Reserve(stackBase, StackSize, memmap.TypeBootloader)
	if err != nil {
		return memmap.Map{}, nil, fmt.Errorf("%w: %v", ErrStackAllocationFailed, err)
	}
	stackTop := (stackBase + StackSize) &^ 0xF

	ctx := &Context{
		Arch:     desc.Arch,
		Entry:    entry,
		StackTop: stackTop,
		regs:     make(map[machine.Register]machine.RegisterValue),
	}

	switch desc.Arch {
	case machine.ArchitectureX86_64:
		mm, err = prepareAMD64(m, mm, ctx)
	case machine.ArchitectureARM64:
		mm, err = prepareARM64(m, mm, ctx)
	case machine.ArchitectureRISCV64:
		mm, err = prepareRISCV64(m, mm, ctx)
	default:
		err = fmt.Errorf("%w: %s", ErrPagingSetupFailed, desc.Arch)
	}
	if err != nil {
		return memmap.Map{}, nil, err
	}
	return mm, ctx, nil
}

// ramTop returns the exclusive top of backed RAM; stack and table
// allocations stay below it so every table write lands in memory that
// exists.
func ramTop(m *machine.Machine) uint64 {
	return m.Mem.MemoryBase() + m.Mem.MemorySize()
}

// ramEnd returns the exclusive top of physical memory, rounded up to a
// 1 GiB translation granule.
func ramEnd(m *machine.Machine) (uint64, error) {
	end := (ramTop(m) + gib - 1) &^ (gib - 1)
	if end == 0 || end > 512*gib {
		return 0, fmt.Errorf("%w: cannot cover %#x with one root table", ErrPagingSetupFailed, end)
	}
	return end, nil
}

func reserveTables(m *machine.Machine, mm memmap.Map, size uint64) (memmap.Map, uint64, error) {
	base, _, ok := mm.FindUsableTop(size, pageSize, ramTop(m))
	if !ok {
		return memmap.Map{}, 0, fmt.Errorf("%w: no room for %d table bytes", ErrPagingSetupFailed, size)
	}
	mm, err := mm.Reserve(base, size, memmap.TypeBootloader)
	if err != nil {
		return memmap.Map{}, 0, fmt.Errorf("%w: %v", ErrPagingSetupFailed, err)
	}
	return mm, base, nil
}

func writeTable(mem machine.Memory, base uint64, entries [512]uint64) error {
	buf := make([]byte, pageSize)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[i*8:], e)
	}
	if _, err := mem.WriteAt(buf, int64(base)); err != nil {
		return fmt.Errorf("%w: writing table at %#x: %v", ErrPagingSetupFailed, base, err)
	}
	return nil
}

// prepareAMD64 builds 4-level long-mode tables: a 2 MiB-page identity
// map of all RAM plus the high-half alias at PML4 slot 256.
func prepareAMD64(m *machine.Machine, mm memmap.Map, ctx *Context) (memmap.Map, error) {
	end, err := ramEnd(m)
	if err != nil {
		return memmap.Map{}, err
	}
	nPD := end / gib

	tableBytes := (2 + nPD) * pageSize
	mm, tables, err := reserveTables(m, mm, tableBytes)
	if err != nil {
		return memmap.Map{}, err
	}
	pml4Base := tables
	pdptBase := tables + pageSize
	pdBase := tables + 2*pageSize

	const present = 0x003 // P | RW
	const largePage = 0x083

	var pml4 [512]uint64
	pml4[0] = pdptBase | present
	pml4[256] = pdptBase | present // high-half alias
	if err := writeTable(m.Mem, pml4Base, pml4); err != nil {
		return memmap.Map{}, err
	}

	var pdpt [512]uint64
	for i := uint64(0); i < nPD; i++ {
		pdpt[i] = (pdBase + i*pageSize) | present
	}
	if err := writeTable(m.Mem, pdptBase, pdpt); err != nil {
		return memmap.Map{}, err
	}

	for i := uint64(0); i < nPD; i++ {
		var pd [512]uint64
		for j := uint64(0); j < 512; j++ {
			pd[j] = (i*gib + j*mib2) | largePage
		}
		if err := writeTable(m.Mem, pdBase+i*pageSize, pd); err != nil {
			return memmap.Map{}, err
		}
	}

	ctx.PagingRoot = pml4Base
	ctx.regs[machine.RegisterAMD64Cr3] = machine.Register64(pml4Base)
	ctx.regs[machine.RegisterAMD64Cr0] = machine.Register64(0x80010001) // PG | WP | PE
	ctx.regs[machine.RegisterAMD64Cr4] = machine.Register64(0x20)       // PAE
	ctx.regs[machine.RegisterAMD64Efer] = machine.Register64(0x500)     // LME | LMA
	ctx.regs[machine.RegisterAMD64Rflags] = machine.Register64(0x2)     // IF clear
	return mm, nil
}

// prepareARM64 builds a single level-1 table of 1 GiB block
// descriptors for TTBR0.
func prepareARM64(m *machine.Machine, mm memmap.Map, ctx *Context) (memmap.Map, error) {
	end, err := ramEnd(m)
	if err != nil {
		return memmap.Map{}, err
	}
	mm, tables, err := reserveTables(m, mm, pageSize)
	if err != nil {
		return memmap.Map{}, err
	}

	// Block descriptor: valid, AF, inner-shareable.
	const block = 0x701
	var l1 [512]uint64
	for i := uint64(0); i < end/gib; i++ {
		l1[i] = i*gib | block
	}
	if err := writeTable(m.Mem, tables, l1); err != nil {
		return memmap.Map{}, err
	}

	ctx.PagingRoot = tables
	ctx.regs[machine.RegisterARM64Ttbr0] = machine.Register64(tables)
	ctx.regs[machine.RegisterARM64Sctlr] = machine.Register64(0x1005) // M | C | I
	ctx.regs[machine.RegisterARM64Pstate] = machine.Register64(0x3C5) // DAIF masked, EL1h
	return mm, nil
}

// prepareRISCV64 builds an Sv39 root table of 1 GiB megapages.
func prepareRISCV64(m *machine.Machine, mm memmap.Map, ctx *Context) (memmap.Map, error) {
	end, err := ramEnd(m)
	if err != nil {
		return memmap.Map{}, err
	}
	mm, tables, err := reserveTables(m, mm, pageSize)
	if err != nil {
		return memmap.Map{}, err
	}

	// PTE: V | R | W | X | A | D.
	const leaf = 0xCF
	var root [512]uint64
	for i := uint64(0); i < end/gib; i++ {
		root[i] = ((i * gib) >> 12 << 10) | leaf
	}
	if err := writeTable(m.Mem, tables, root); err != nil {
		return memmap.Map{}, err
	}

	const satpSv39 = uint64(8) << 60
	ctx.PagingRoot = tables
	ctx.regs[machine.RegisterRISCVSatp] = machine.Register64(satpSv39 | tables>>12)
	return mm, nil
}

// Jump programs the final register file, including the stack pointer
// and the boot-info pointer in the SysV argument register, issues the
// architectural barrier, and transfers control. It returns only on
// failure.
func Jump(m *machine.Machine, ctx *Context, bootInfo uint64) error {
	regs := make(map[machine.Register]machine.RegisterValue, len(ctx.regs)+3)
	for r, v := range ctx.regs {
		regs[r] = v
	}
	switch ctx.Arch {
	case machine.ArchitectureX86_64:
		regs[machine.RegisterAMD64Rdi] = machine.Register64(bootInfo)
		regs[machine.RegisterAMD64Rsp] = machine.Register64(ctx.StackTop)
	case machine.ArchitectureARM64:
		regs[machine.RegisterARM64X0] = machine.Register64(bootInfo)
		regs[machine.RegisterARM64X1] = machine.Register64(0)
		regs[machine.RegisterARM64Sp] = machine.Register64(ctx.StackTop)
	case machine.ArchitectureRISCV64:
		regs[machine.RegisterRISCVX10] = machine.Register64(bootInfo)
		regs[machine.RegisterRISCVX11] = machine.Register64(0)
		regs[machine.RegisterRISCVX2] = machine.Register64(ctx.StackTop)
	default:
		return fmt.Errorf("%w: %s", ErrPagingSetupFailed, ctx.Arch)
	}

	if err := m.CPU.SetRegisters(regs); err != nil {
		return fmt.Errorf("programming registers: %w", err)
	}
	if err := m.CPU.Fence(); err != nil {
		return fmt.Errorf("issuing barrier: %w", err)
	}
	return m.CPU.Jump(ctx.Entry)
}
