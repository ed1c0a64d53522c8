// Package vmfault is the TLB fault handler and the sbrk heap-growth
// operation — the two places where an address space's page table, the
// coremap, and the TLB all get touched in the same breath. Grounded on the
// teacher's vm/as.go Sys_pgfault/Page_insert/Tlbshoot control flow and on
// original_source/kern/arch/mips/vm/vm.c's vm_fault dispatch, with the
// permission enforcement and TLB entry composition lifted from
// original_source's step-by-step handling of the three MIPS TLB exception
// codes (TLB-miss-load, TLB-miss-store, TLB-modify).
package vmfault

import (
	"github.com/rs/zerolog"

	"github.com/soonami69/cpen331/addrspace"
	"github.com/soonami69/cpen331/coremap"
	"github.com/soonami69/cpen331/defs"
	"github.com/soonami69/cpen331/mips"
	"github.com/soonami69/cpen331/swap"
	"github.com/soonami69/cpen331/util"
)

// FaultType distinguishes the three MIPS TLB exception codes the fault
// handler can be invoked for.
type FaultType int

const (
	// Read is a TLB miss on a load — no entry was present at all.
	Read FaultType = iota
	// Write is a TLB miss on a store — no entry was present at all.
	Write
	// ReadOnly is a TLB-Modify exception: an entry was present but its
	// write-enable bit was clear when a store hit it.
	ReadOnly
)

// Fault resolves a TLB exception at faultAddr: validate the address against
// the address space's regions/heap/stack, bring the backing page in (either
// zero-filling a never-touched page or reading one back from swap), enforce
// permissions, and install the resulting translation in the TLB.
func Fault(as *addrspace.AddrSpace, cm *coremap.CoreMap, sw *swap.Space, tlb *mips.TLB, faultAddr uintptr, ft FaultType, logger zerolog.Logger) defs.Err_t {
	as.LockAS()
	defer as.UnlockAS()

	_, write, _, ok := as.Validate(faultAddr)
	if !ok {
		return defs.EFAULT
	}
	vpn := mips.PageAlign(faultAddr)
	pte := as.PT.Lookup(vpn)
	readOnly := !write

	switch {
	case pte == nil || !pte.Valid:
		pfn, err := cm.AllocUserPage()
		if err != 0 {
			return err
		}
		clear(cm.Frame(pfn))
		pte = as.PT.Insert(vpn, pfn, readOnly)
		cm.PromoteToUser(pfn, as, vpn)

	case pte.Valid && !pte.Resident:
		pfn, err := cm.AllocUserPage()
		if err != 0 {
			return err
		}
		if pte.SwapSlot == swap.NoSlot {
			cm.FreeUserPage(pfn)
			logger.Error().Uintptr("vaddr", vpn).Msg("page table entry is non-resident with no swap slot")
			return defs.EFAULT
		}
		if rerr := sw.ReadPage(cm.Frame(pfn), pte.SwapSlot); rerr != 0 {
			cm.FreeUserPage(pfn)
			return rerr
		}
		sw.FreeSlot(pte.SwapSlot)
		pte.Resident = true
		pte.PFN = pfn
		pte.SwapSlot = swap.NoSlot
		pte.Dirty = false
		cm.PromoteToUser(pfn, as, vpn)

	default:
		// Already valid and resident: nothing to page in.
	}

	if ft == ReadOnly && pte.ReadOnly {
		return defs.EFAULT
	}
	if ft == Write {
		pte.Dirty = true
	}

	tlb.Install(vpn, uint32(pte.PFN), !pte.ReadOnly)
	return 0
}

// Sbrk implements the heap-growth syscall: delta == 0 reports the current
// break, a positive delta extends it (refusing with ENOMEM if the break
// rounded up to a page would reach StackBase, and allocating no frames yet —
// pages are faulted in lazily),
// and a negative delta shrinks it, releasing every page-aligned frame or
// swap slot the shrink uncovers.
func Sbrk(as *addrspace.AddrSpace, delta int) (uintptr, defs.Err_t) {
	as.LockAS()
	defer as.UnlockAS()

	oldEnd := as.HeapEnd
	if delta == 0 {
		return oldEnd, 0
	}

	newEndSigned := int64(oldEnd) + int64(delta)
	if delta < 0 {
		if newEndSigned < int64(as.HeapStart) {
			return 0, defs.EINVAL
		}
		newEnd := uintptr(newEndSigned)
		startPage := util.Roundup(newEnd, mips.PageSize)
		endPage := util.Roundup(oldEnd, mips.PageSize)
		for va := startPage; va < endPage; va += mips.PageSize {
			as.ReleasePage(va)
		}
		as.HeapEnd = newEnd
		return oldEnd, 0
	}

	newEnd := uintptr(newEndSigned)
	newTop := util.Roundup(newEnd, mips.PageSize)
	if newTop >= as.StackBase {
		return 0, defs.ENOMEM
	}
	as.HeapEnd = newEnd
	return oldEnd, 0
}
