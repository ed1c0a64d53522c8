// Package coremap is the physical frame allocator: a fixed-length array of
// per-frame metadata indexed by PFN, plus the clock-hand eviction scan that
// reclaims user frames by writing them out to swap. Grounded on the teacher's
// mem.go Physmem_t (per-frame bookkeeping under a lock, a Phys_init boot
// banner) and on original_source/kern/arch/mips/vm/vm.c's find_free_pp
// first-fit-with-skip-ahead scan, which this platform's lack of a hardware
// page-table walker makes the right allocation strategy instead of
// Physmem_t's O(1) free-list pop.
package coremap

import (
	"github.com/rs/zerolog"

	"github.com/soonami69/cpen331/defs"
	"github.com/soonami69/cpen331/klock"
	"github.com/soonami69/cpen331/mips"
	"github.com/soonami69/cpen331/swap"
)

// PFN is a physical frame number.
type PFN uint32

// AddressSpace is the coremap's view of an owning address space, satisfied
// by addrspace.AddrSpace. It exists so this package never imports addrspace:
// eviction needs to call back into the owner (lock it, check residency,
// mark it evicted, shoot its TLB entry down) without addrspace and coremap
// importing each other.
type AddressSpace interface {
	LockAS()
	UnlockAS()
	ResidentPFN(vaddr uintptr) (PFN, bool)
	MarkEvicted(vaddr uintptr, slot swap.Slot)
	ShootdownVA(vaddr uintptr)
}

// Entry is one frame's worth of coremap bookkeeping.
type Entry struct {
	Used       bool
	KernelPage bool
	Busy       bool // single-writer hand-off token during eviction
	RunEnd     bool // marks the last frame of an AllocKpages run (the only frame of a one-page run)
	Owner      AddressSpace
	VAddr      uintptr
	Dirty      bool
}

// CoreMap is the physical frame allocator. mu is cm_spinlock: a leaf,
// non-blocking lock that must never be held across swap I/O or an as_lock
// acquisition — eviction releases it before calling into the owning address
// space and only re-takes it to commit the final bookkeeping.
type CoreMap struct {
	mu             klock.Spinlock
	entries        []Entry
	firstUserFrame PFN
	hand           PFN
	mem            []byte
	swap           *swap.Space
	log            zerolog.Logger
}

// Bootstrap sizes the coremap to ram's installed memory, reserves the frames
// the coremap's own bookkeeping costs (mirroring vm_bootstrap's steal of the
// coremap array before computing first_user_frame), and marks every frame up
// to that boundary permanently kernel-owned.
func Bootstrap(ram mips.RAM, sw *swap.Space, logger zerolog.Logger) (*CoreMap, defs.Err_t) {
	totalFrames := PFN(ram.GetSize() / mips.PageSize)
	if totalFrames == 0 {
		return nil, defs.ENOMEM
	}

	entryBytes := uintptr(totalFrames) * entrySize
	coremapPages := int((entryBytes + mips.PageSize - 1) / mips.PageSize)
	if _, ok := ram.StealMem(coremapPages); !ok {
		return nil, defs.ENOMEM
	}
	firstUserPA, ok := ram.StealMem(0)
	if !ok {
		return nil, defs.ENOMEM
	}
	firstUserFrame := PFN(firstUserPA / mips.PageSize)
	if firstUserFrame > totalFrames {
		return nil, defs.ENOMEM
	}

	cm := &CoreMap{
		entries:        make([]Entry, totalFrames),
		firstUserFrame: firstUserFrame,
		hand:           firstUserFrame,
		mem:            make([]byte, uintptr(totalFrames)*mips.PageSize),
		swap:           sw,
		log:            logger,
	}
	for pfn := PFN(0); pfn < firstUserFrame; pfn++ {
		cm.entries[pfn].Used = true
		cm.entries[pfn].KernelPage = true
	}
	logger.Info().
		Int("total_frames", int(totalFrames)).
		Int("first_user_frame", int(firstUserFrame)).
		Msg("coremap bootstrapped")
	return cm, 0
}

// entrySize is the per-frame bookkeeping cost charged against boot memory,
// matching the shape of Entry closely enough for the reservation to be
// meaningful without pulling in unsafe.Sizeof for a struct this simple.
const entrySize = 32

// UsedCount returns the number of frames currently marked used, the coremap
// side of the "resident page count" invariant.
func (cm *CoreMap) UsedCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := 0
	for i := range cm.entries {
		if cm.entries[i].Used {
			n++
		}
	}
	return n
}

// Frame returns the byte slice backing pfn's physical frame.
func (cm *CoreMap) Frame(pfn PFN) []byte {
	off := uintptr(pfn) * mips.PageSize
	return cm.mem[off : off+mips.PageSize]
}

// findFreeRun implements find_free_pp's first-fit-with-skip-ahead scan: walk
// forward from the first user frame, and whenever a used frame breaks a
// candidate run, resume scanning just past it rather than one frame later.
func (cm *CoreMap) findFreeRun(n int) (PFN, defs.Err_t) {
	total := PFN(len(cm.entries))
	npages := PFN(n)
	if npages == 0 || npages > total-cm.firstUserFrame {
		return 0, defs.ENOMEM
	}
	current := cm.firstUserFrame
	for current+npages <= total {
		var offset PFN
		for offset < npages && !cm.entries[current+offset].Used {
			offset++
		}
		if offset == npages {
			return current, 0
		}
		current += offset + 1
	}
	return 0, defs.ENOMEM
}

// AllocKpages allocates n contiguous kernel frames and returns their
// kernel-virtual base address.
func (cm *CoreMap) AllocKpages(n int) (uintptr, defs.Err_t) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	start, err := cm.findFreeRun(n)
	if err != 0 {
		return 0, err
	}
	for pfn := start; pfn < start+PFN(n); pfn++ {
		cm.entries[pfn] = Entry{Used: true, KernelPage: true}
	}
	cm.entries[start+PFN(n)-1].RunEnd = true
	return mips.PToKV(uintptr(start) * mips.PageSize), 0
}

// FreeKpages releases the kernel frame run beginning at kva. It panics if
// the run isn't a kernel run — user frames must go through FreeUserPage,
// which is what lets free_kpages stay run-based while user pages are freed
// one at a time by the fault handler and sbrk.
func (cm *CoreMap) FreeKpages(kva uintptr) {
	pfn := PFN(mips.KVToP(kva) / mips.PageSize)
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for {
		e := &cm.entries[pfn]
		if !e.Used {
			panic("coremap: free_kpages walked into an unused frame")
		}
		if !e.KernelPage {
			panic("coremap: free_kpages called on a user frame; use FreeUserPage")
		}
		end := e.RunEnd
		*e = Entry{}
		if end {
			return
		}
		pfn++
	}
}

// FreeUserPage releases a single user frame.
func (cm *CoreMap) FreeUserPage(pfn PFN) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	e := &cm.entries[pfn]
	if !e.Used || e.KernelPage {
		panic("coremap: FreeUserPage called on a non-user frame")
	}
	*e = Entry{}
}

// PromoteToUser reassigns a freshly allocated kernel frame to a user page,
// recording the owning address space and faulting virtual address the clock
// scan will need if it later picks this frame as an eviction victim.
func (cm *CoreMap) PromoteToUser(pfn PFN, owner AddressSpace, vaddr uintptr) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	e := &cm.entries[pfn]
	e.KernelPage = false
	e.Owner = owner
	e.VAddr = mips.PageAlign(vaddr)
}

// AllocUserPage allocates a single user frame, evicting resident user pages
// under clock-hand selection until one is free if none is available outright.
func (cm *CoreMap) AllocUserPage() (PFN, defs.Err_t) {
	for {
		kva, err := cm.AllocKpages(1)
		if err == 0 {
			return PFN(mips.KVToP(kva) / mips.PageSize), 0
		}
		if everr := cm.EvictOne(); everr != 0 {
			return 0, everr
		}
	}
}

// findEvictable scans forward from the clock hand for the next used,
// non-kernel, non-busy frame, advancing the hand past whatever it picks (or
// past the whole ring if nothing is evictable).
func (cm *CoreMap) findEvictable() (PFN, bool) {
	n := PFN(len(cm.entries))
	for i := PFN(0); i < n; i++ {
		idx := (cm.hand + i) % n
		e := &cm.entries[idx]
		if e.Used && !e.KernelPage && !e.Busy && e.Owner != nil {
			cm.hand = (idx + 1) % n
			return idx, true
		}
	}
	return 0, false
}

// EvictOne runs one pass of clock-hand eviction: pick a victim, mark it busy
// so no other evictor can touch it, write its contents to a fresh swap slot
// under the owning address space's lock, update the owner's page table and
// shoot its TLB entry down, then release the frame. cm_spinlock is dropped
// for the whole owner-locked/swap-I/O middle section — it must never be held
// across a blocking acquisition or device I/O.
func (cm *CoreMap) EvictOne() defs.Err_t {
	for {
		cm.mu.Lock()
		victim, found := cm.findEvictable()
		if !found {
			cm.mu.Unlock()
			return defs.ENOMEM
		}
		cm.entries[victim].Busy = true
		owner := cm.entries[victim].Owner
		vaddr := cm.entries[victim].VAddr
		cm.mu.Unlock()

		owner.LockAS()
		pfn, ok := owner.ResidentPFN(vaddr)
		if !ok || pfn != victim {
			owner.UnlockAS()
			cm.clearBusy(victim)
			continue
		}

		slot, serr := cm.swap.AllocSlot()
		if serr != 0 {
			owner.UnlockAS()
			cm.clearBusy(victim)
			return serr
		}
		if werr := cm.swap.WritePage(cm.Frame(victim), slot); werr != 0 {
			cm.swap.FreeSlot(slot)
			owner.UnlockAS()
			cm.clearBusy(victim)
			return werr
		}

		owner.MarkEvicted(vaddr, slot)
		owner.ShootdownVA(vaddr)
		owner.UnlockAS()

		cm.mu.Lock()
		cm.entries[victim] = Entry{}
		cm.mu.Unlock()

		cm.log.Debug().Uint32("pfn", uint32(victim)).Int64("slot", int64(slot)).Msg("evicted page")
		return 0
	}
}

func (cm *CoreMap) clearBusy(pfn PFN) {
	cm.mu.Lock()
	cm.entries[pfn].Busy = false
	cm.mu.Unlock()
}
