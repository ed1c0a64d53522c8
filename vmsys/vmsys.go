// Package vmsys is the single wiring point the rest of the kernel would
// plumb through a process/thread context: one VmSystem value owning the
// coremap, the swap device, and the shared TLB handle, constructed in the
// boot-time order the teacher's Phys_init and original_source's
// vm_bootstrap both depend on (ram_stealmem calls happen before anything
// else touches memory). Per-process address spaces are created through it
// rather than directly, so every one of them shares the same coremap, swap
// space, and TLB.
package vmsys

import (
	"github.com/rs/zerolog"

	"github.com/soonami69/cpen331/addrspace"
	"github.com/soonami69/cpen331/coremap"
	"github.com/soonami69/cpen331/defs"
	"github.com/soonami69/cpen331/mips"
	"github.com/soonami69/cpen331/swap"
	"github.com/soonami69/cpen331/vmfault"
)

// VmSystem is the fully wired virtual memory subsystem.
type VmSystem struct {
	CM   *coremap.CoreMap
	Swap *swap.Space
	TLB  *mips.TLB
	log  zerolog.Logger
}

// Bootstrap brings up the swap device, then the coremap against ram (which
// must happen in that order: the coremap's Bootstrap steals memory from ram,
// and nothing may allocate before the coremap itself exists), then the TLB.
func Bootstrap(ram mips.RAM, swapDev swap.BlockDevice, logger zerolog.Logger) (*VmSystem, defs.Err_t) {
	sw, err := swap.Bootstrap(swapDev, logger)
	if err != 0 {
		return nil, err
	}
	cm, err := coremap.Bootstrap(ram, sw, logger)
	if err != 0 {
		return nil, err
	}
	return &VmSystem{CM: cm, Swap: sw, TLB: mips.NewTLB(), log: logger}, 0
}

// NewAddrSpace returns a fresh, empty address space wired against this
// system's coremap, swap device, and TLB.
func (vs *VmSystem) NewAddrSpace() *addrspace.AddrSpace {
	return addrspace.New(vs.CM, vs.Swap, vs.TLB, vs.log)
}

// Fault resolves a TLB exception against as.
func (vs *VmSystem) Fault(as *addrspace.AddrSpace, vaddr uintptr, ft vmfault.FaultType) defs.Err_t {
	return vmfault.Fault(as, vs.CM, vs.Swap, vs.TLB, vaddr, ft, vs.log)
}

// Sbrk adjusts as's heap break by delta bytes.
func (vs *VmSystem) Sbrk(as *addrspace.AddrSpace, delta int) (uintptr, defs.Err_t) {
	return vmfault.Sbrk(as, delta)
}
