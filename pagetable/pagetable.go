// Package pagetable implements the per-address-space two-level page table:
// a 1024-entry L1 directory of lazily allocated 1024-entry L2 leaves, split
// from a virtual address exactly the way original_source/kern/include/
// pagetable.h's GET_L1_INDEX/GET_L2_INDEX macros do. copy() deep-copies
// every mapping, including pages currently out on swap, resolving the
// question the original pagetable.c's copy_entry left dangerously half-done
// (it copied the swap_offset field but never the swapped-out bytes).
package pagetable

import (
	"github.com/soonami69/cpen331/coremap"
	"github.com/soonami69/cpen331/defs"
	"github.com/soonami69/cpen331/mips"
	"github.com/soonami69/cpen331/swap"
)

const (
	l1Size = 1024
	l2Size = 1024
)

// PTE is one page table entry. A PTE is either invalid (Valid == false, the
// zero value), resident (Valid && Resident, PFN meaningful), or swapped out
// (Valid && !Resident, SwapSlot meaningful) — never both PFN and SwapSlot
// live at once.
type PTE struct {
	Valid    bool
	Resident bool
	ReadOnly bool
	Dirty    bool
	PFN      coremap.PFN
	SwapSlot swap.Slot
}

type l2Table struct {
	entries [l2Size]PTE
}

// PageTable is the sparse two-level table. A nil L1 slot means no L2 leaf
// has ever been allocated for that range — every PTE under it is implicitly
// invalid without costing any memory.
type PageTable struct {
	l1 [l1Size]*l2Table
}

// New returns an empty page table.
func New() *PageTable {
	return &PageTable{}
}

func split(vaddr uintptr) (l1idx, l2idx int) {
	vpn := vaddr >> mips.PageShift
	l1idx = int((vpn >> 10) & 0x3ff)
	l2idx = int(vpn & 0x3ff)
	return
}

func unsplit(l1idx, l2idx int) uintptr {
	vpn := uint32(l1idx)<<10 | uint32(l2idx)
	return uintptr(vpn) << mips.PageShift
}

func newLeaf() *l2Table {
	leaf := &l2Table{}
	for i := range leaf.entries {
		leaf.entries[i].SwapSlot = swap.NoSlot
	}
	return leaf
}

// Lookup returns the PTE covering vaddr's page, or nil if no L2 leaf has
// been allocated for that range (equivalent to an invalid entry).
func (pt *PageTable) Lookup(vaddr uintptr) *PTE {
	l1idx, l2idx := split(vaddr)
	leaf := pt.l1[l1idx]
	if leaf == nil {
		return nil
	}
	return &leaf.entries[l2idx]
}

// Insert allocates the L2 leaf for vaddr's range if needed and installs a
// fresh resident mapping, returning the new PTE.
func (pt *PageTable) Insert(vaddr uintptr, pfn coremap.PFN, readOnly bool) *PTE {
	l1idx, l2idx := split(vaddr)
	if pt.l1[l1idx] == nil {
		pt.l1[l1idx] = newLeaf()
	}
	e := &pt.l1[l1idx].entries[l2idx]
	*e = PTE{Valid: true, Resident: true, ReadOnly: readOnly, PFN: pfn, SwapSlot: swap.NoSlot}
	return e
}

// Walk calls fn for every valid entry in the table, passing the virtual
// address its L1/L2 indices correspond to.
func (pt *PageTable) Walk(fn func(vaddr uintptr, pte *PTE)) {
	for l1idx, leaf := range pt.l1 {
		if leaf == nil {
			continue
		}
		for l2idx := range leaf.entries {
			e := &leaf.entries[l2idx]
			if e.Valid {
				fn(unsplit(l1idx, l2idx), e)
			}
		}
	}
}

// Copy deep-copies src into a freshly allocated table: resident pages get a
// freshly allocated frame with the bytes copied over, and swapped-out pages
// get a freshly allocated swap slot with the swapped-out bytes copied over.
// No copy-on-write and no shared frames or slots between parent and child —
// this platform doesn't implement copy-on-write.
func Copy(src *PageTable, cm *coremap.CoreMap, sw *swap.Space) (*PageTable, defs.Err_t) {
	dst := New()
	var scratch [mips.PageSize]byte

	var failErr defs.Err_t
	src.Walk(func(vaddr uintptr, e *PTE) {
		if failErr != 0 {
			return
		}
		l1idx, l2idx := split(vaddr)
		if dst.l1[l1idx] == nil {
			dst.l1[l1idx] = newLeaf()
		}
		de := &dst.l1[l1idx].entries[l2idx]

		if e.Resident {
			kva, err := cm.AllocKpages(1)
			if err != 0 {
				failErr = err
				return
			}
			newPFN := coremap.PFN(mips.KVToP(kva) / mips.PageSize)
			copy(cm.Frame(newPFN), cm.Frame(e.PFN))
			*de = PTE{Valid: true, Resident: true, ReadOnly: e.ReadOnly, PFN: newPFN, SwapSlot: swap.NoSlot}
			return
		}

		slot, err := sw.AllocSlot()
		if err != 0 {
			failErr = err
			return
		}
		if rerr := sw.ReadPage(scratch[:], e.SwapSlot); rerr != 0 {
			sw.FreeSlot(slot)
			failErr = rerr
			return
		}
		if werr := sw.WritePage(scratch[:], slot); werr != 0 {
			sw.FreeSlot(slot)
			failErr = werr
			return
		}
		*de = PTE{Valid: true, Resident: false, ReadOnly: e.ReadOnly, SwapSlot: slot}
	})

	if failErr != 0 {
		Destroy(dst, sw)
		dst.Walk(func(vaddr uintptr, e *PTE) {
			if e.Resident {
				// These frames were allocated with AllocKpages and never
				// promoted to user ownership (Copy's caller only promotes
				// once the whole table has copied successfully), so they
				// must be released as the kernel run they still are.
				cm.FreeKpages(mips.PToKV(uintptr(e.PFN) * mips.PageSize))
			}
		})
		return nil, failErr
	}
	return dst, 0
}

// Destroy releases every swap slot referenced by pt. Resident frames are the
// enclosing address space's responsibility, since only it knows which
// frames are shared with the coremap's own bookkeeping versus genuinely
// owned by this table.
func Destroy(pt *PageTable, sw *swap.Space) {
	pt.Walk(func(_ uintptr, e *PTE) {
		if e.Valid && !e.Resident {
			sw.FreeSlot(e.SwapSlot)
		}
	})
}
