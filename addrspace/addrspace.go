// Package addrspace implements the per-process address space: a region
// list, a heap range, a page table, and the fork-style deep copy and
// sbrk-adjacent frame release that keep them all consistent. Grounded on the
// teacher's vm/as.go Vm_t (Lock_pmap/Unlock_pmap/Lockassert_pmap naming and
// the discipline of asserting the lock before touching the page table) and
// on original_source/kern/vm/addrspace.c's as_create/as_copy/as_define_region
// control flow, which this package follows much more closely than Vm_t's
// x86 COW/file-mapping machinery — this platform has neither.
package addrspace

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/soonami69/cpen331/coremap"
	"github.com/soonami69/cpen331/defs"
	"github.com/soonami69/cpen331/mips"
	"github.com/soonami69/cpen331/pagetable"
	"github.com/soonami69/cpen331/swap"
)

// DefaultUserStack is the fixed top of the user address space — the value
// as_define_stack hands back as the initial stack pointer, and the ceiling
// sbrk's heap growth may never reach.
const DefaultUserStack uintptr = 0x7fff0000

// StackPages is the fixed-size window reserved below the stack top that the
// fault handler treats as valid stack addresses without a Region entry. The
// original assignment's as_define_stack never allocates a stack Region
// (it only hands back USERSTACK as the initial $sp); something still has to
// decide which addresses below that are legitimate stack faults, and a
// fixed-size window below the stack top is the conventional answer.
const StackPages = 16

// Region is one mapped, page-aligned span of the address space: disjoint
// from every other region, linked in declaration order.
type Region struct {
	Base   uintptr
	NPages int
	Read   bool
	Write  bool
	Exec   bool
	Next   *Region

	savedWrite bool // Write before PrepareLoad forced it on, restored by CompleteLoad
}

// AddrSpace is one process's virtual memory: its page table, its region
// list, and its heap bounds, guarded by as_lock. mu is the as_lock the spec
// assigns this component — a sleeping lock and therefore sync.Mutex, unlike
// the coremap's and TLB's spinlocks.
type AddrSpace struct {
	mu        sync.Mutex
	pgfltaken bool // set while as_lock is held, mirrors Vm_t's Lockassert_pmap bookkeeping

	PT        *pagetable.PageTable
	Regions   *Region
	HeapStart uintptr
	HeapEnd   uintptr
	StackBase uintptr

	cm  *coremap.CoreMap
	sw  *swap.Space
	tlb *mips.TLB
	log zerolog.Logger
}

// New returns an empty address space with no regions and a zero-length heap.
func New(cm *coremap.CoreMap, sw *swap.Space, tlb *mips.TLB, logger zerolog.Logger) *AddrSpace {
	return &AddrSpace{
		PT:        pagetable.New(),
		StackBase: DefaultUserStack,
		cm:        cm,
		sw:        sw,
		tlb:       tlb,
		log:       logger,
	}
}

// LockAS acquires as_lock. Coremap eviction and the fault handler both take
// it before touching the page table or region list.
func (as *AddrSpace) LockAS() {
	as.mu.Lock()
	as.pgfltaken = true
}

// UnlockAS releases as_lock.
func (as *AddrSpace) UnlockAS() {
	as.pgfltaken = false
	as.mu.Unlock()
}

// AssertASLocked panics if as_lock isn't held, the same debug discipline as
// Vm_t.Lockassert_pmap.
func (as *AddrSpace) AssertASLocked() {
	if !as.pgfltaken {
		panic("addrspace: as_lock must be held")
	}
}

// DefineRegion appends a new region covering [base, base+size), page-aligning
// base down and size up. Regions must not extend past the stack.
func (as *AddrSpace) DefineRegion(base uintptr, size int, read, write, exec bool) defs.Err_t {
	vbase := mips.PageAlign(base)
	size += int(base - vbase)
	npages := (size + int(mips.PageSize) - 1) / int(mips.PageSize)
	if vbase+uintptr(npages)*mips.PageSize > as.StackBase {
		return defs.EFAULT
	}
	r := &Region{Base: vbase, NPages: npages, Read: read, Write: write, Exec: exec}
	if as.Regions == nil {
		as.Regions = r
		return 0
	}
	cur := as.Regions
	for cur.Next != nil {
		cur = cur.Next
	}
	cur.Next = r
	return 0
}

// PrepareLoad forces every region writable for the duration of a load (ELF
// segments land read-only but still need writing into), saving each
// region's original permission so CompleteLoad can restore it.
func (as *AddrSpace) PrepareLoad() {
	for r := as.Regions; r != nil; r = r.Next {
		r.savedWrite = r.Write
		r.Write = true
	}
}

// CompleteLoad restores every region's pre-PrepareLoad write permission.
func (as *AddrSpace) CompleteLoad() {
	for r := as.Regions; r != nil; r = r.Next {
		r.Write = r.savedWrite
	}
}

// Validate reports the permissions in effect at vaddr and whether it falls
// in a mapped region, the heap, or the fixed stack window.
func (as *AddrSpace) Validate(vaddr uintptr) (read, write, exec, ok bool) {
	for r := as.Regions; r != nil; r = r.Next {
		if vaddr >= r.Base && vaddr < r.Base+uintptr(r.NPages)*mips.PageSize {
			return r.Read, r.Write, r.Exec, true
		}
	}
	if vaddr >= as.HeapStart && vaddr < as.HeapEnd {
		return true, true, false, true
	}
	stackFloor := as.StackBase - StackPages*mips.PageSize
	if vaddr >= stackFloor && vaddr < as.StackBase {
		return true, true, false, true
	}
	return false, false, false, false
}

// ResidentPFN reports the frame backing vaddr's page, if one is currently
// resident. Part of the coremap.AddressSpace interface.
func (as *AddrSpace) ResidentPFN(vaddr uintptr) (coremap.PFN, bool) {
	pte := as.PT.Lookup(vaddr)
	if pte == nil || !pte.Valid || !pte.Resident {
		return 0, false
	}
	return pte.PFN, true
}

// MarkEvicted records that vaddr's page has been written out to slot and is
// no longer resident. Part of the coremap.AddressSpace interface.
func (as *AddrSpace) MarkEvicted(vaddr uintptr, slot swap.Slot) {
	pte := as.PT.Lookup(vaddr)
	if pte == nil {
		panic("addrspace: eviction target has no page table entry")
	}
	pte.Resident = false
	pte.Dirty = false
	pte.PFN = 0
	pte.SwapSlot = slot
}

// ShootdownVA invalidates vaddr's TLB mapping. Part of the
// coremap.AddressSpace interface.
func (as *AddrSpace) ShootdownVA(vaddr uintptr) {
	as.tlb.Shootdown(vaddr)
}

// ReleasePage frees whatever backs vaddr's page — its frame if resident, its
// swap slot otherwise — marks the PTE invalid, and shoots its TLB entry
// down. Used by sbrk when the heap shrinks past a page boundary. Callers
// must hold as_lock.
func (as *AddrSpace) ReleasePage(vaddr uintptr) {
	as.AssertASLocked()
	pte := as.PT.Lookup(vaddr)
	if pte == nil || !pte.Valid {
		return
	}
	if pte.Resident {
		as.cm.FreeUserPage(pte.PFN)
	} else {
		as.sw.FreeSlot(pte.SwapSlot)
	}
	*pte = pagetable.PTE{SwapSlot: swap.NoSlot}
	as.tlb.Shootdown(vaddr)
}

// Activate installs this address space as the running one. On this
// platform that means flushing the whole TLB, since every resident mapping
// belongs to whichever address space was running a moment ago.
func (as *AddrSpace) Activate() {
	as.tlb.ShootdownAll()
}

// Deactivate is a no-op — there is nothing to undo when switching away from
// an address space beyond what the next Activate's flush already handles.
func (as *AddrSpace) Deactivate() {}

// Copy deep-copies this address space: its region list, its heap bounds, and
// every page table entry (resident pages get fresh frames with their bytes
// copied, swapped-out pages get fresh slots with their bytes copied). There
// is no copy-on-write and no sharing between parent and child.
func (as *AddrSpace) Copy() (*AddrSpace, defs.Err_t) {
	child := New(as.cm, as.sw, as.tlb, as.log)

	var head, tail *Region
	for r := as.Regions; r != nil; r = r.Next {
		nr := &Region{Base: r.Base, NPages: r.NPages, Read: r.Read, Write: r.Write, Exec: r.Exec}
		if tail == nil {
			head = nr
		} else {
			tail.Next = nr
		}
		tail = nr
	}
	child.Regions = head

	pt, err := pagetable.Copy(as.PT, as.cm, as.sw)
	if err != 0 {
		return nil, err
	}
	child.PT = pt

	// pagetable.Copy only knows the coremap, not the child address space, so
	// every resident frame it copied in still looks kernel-owned. Promote
	// each one to the child now, the same way vmfault.Fault promotes a
	// freshly allocated frame after inserting its PTE.
	pt.Walk(func(vaddr uintptr, pte *pagetable.PTE) {
		if pte.Resident {
			as.cm.PromoteToUser(pte.PFN, child, vaddr)
		}
	})

	child.HeapStart, child.HeapEnd = as.HeapStart, as.HeapEnd
	child.StackBase = as.StackBase
	return child, 0
}

// Destroy releases every frame and swap slot this address space owns.
func (as *AddrSpace) Destroy() {
	as.PT.Walk(func(_ uintptr, pte *pagetable.PTE) {
		if pte.Valid && pte.Resident {
			as.cm.FreeUserPage(pte.PFN)
		}
	})
	pagetable.Destroy(as.PT, as.sw)
	as.Regions = nil
}
