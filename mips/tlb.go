package mips

import "github.com/soonami69/cpen331/klock"

// NumTLBEntries is the size of the fully-associative software-refilled TLB.
const NumTLBEntries = 64

// EntryLo bit layout, numbered the way OS/161's MIPS port numbers them:
// bit 9 is VALID, bit 10 is DIRTY (the write-enable bit — hardware raises a
// READONLY fault on a store to a valid-but-not-dirty entry). The low 9 bits
// are left for cache-control bits this platform doesn't model; the PFN
// occupies bits 12 and up, i.e. EntryLo's page-aligned physical address.
const (
	EntryLoValid uint32 = 1 << 9
	EntryLoDirty uint32 = 1 << 10
)

// MakeEntryLo composes an EntryLo value for a resident frame. dirty is the
// hardware write-enable bit, set whenever the mapping is not read-only (the
// spec's "dirty" here means writable, distinct from the PTE's own dirty bit).
func MakeEntryLo(pfn uint32, dirty bool) uint32 {
	lo := (pfn << PageShift) | EntryLoValid
	if dirty {
		lo |= EntryLoDirty
	}
	return lo
}

type tlbEntry struct {
	hi uint32
	lo uint32
}

// invalidHi returns a sentinel EntryHi value that can never collide with a
// real page-aligned virtual address, used to mark a slot invalid without an
// extra per-slot boolean — mirrors how OS/161's TLBHI_INVALID(i) pattern
// works.
func invalidHi(slot int) uint32 {
	return 0x80000000 | uint32(slot)
}

// TLB is the single-CPU software-managed translation lookaside buffer.
// cm_spinlock's sibling, tlb_spinlock, serializes all access; writes are
// additionally expected to run with interrupts masked (see IRQGuard).
type TLB struct {
	mu      klock.Spinlock
	entries [NumTLBEntries]tlbEntry
	victim  int
}

// NewTLB returns a TLB with every slot invalid.
func NewTLB() *TLB {
	t := &TLB{}
	for i := range t.entries {
		t.entries[i].hi = invalidHi(i)
	}
	return t
}

// IRQGuard models a scoped interrupt-disabled region. This simulated kernel
// has no real interrupt controller to mask, so it is a documented no-op
// boundary: the point is that TLB callers go through DisableIRQ/Restore
// rather than touching an interrupt mask themselves.
type IRQGuard struct{}

// DisableIRQ begins an interrupt-masked region.
func DisableIRQ() IRQGuard { return IRQGuard{} }

// Restore ends the interrupt-masked region.
func (IRQGuard) Restore() {}

// Probe returns the slot holding a valid mapping for the page containing va,
// or -1 if none is present.
func (t *TLB) Probe(va uintptr) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.probeLocked(va)
}

func (t *TLB) probeLocked(va uintptr) int {
	vpn := VPN(va) << PageShift
	for i := range t.entries {
		e := &t.entries[i]
		if e.lo&EntryLoValid != 0 && e.hi == vpn {
			return i
		}
	}
	return -1
}

// Install writes a translation for the page containing va, picking the
// first invalid slot or, failing that, round-robin evicting a victim slot.
// It masks interrupts for the duration of the write, per the fault handler's
// contract (step 10 of 4.E).
func (t *TLB) Install(va uintptr, pfn uint32, dirty bool) {
	guard := DisableIRQ()
	defer guard.Restore()

	t.mu.Lock()
	defer t.mu.Unlock()

	slot := -1
	for i := range t.entries {
		if t.entries[i].lo&EntryLoValid == 0 {
			slot = i
			break
		}
	}
	if slot == -1 {
		slot = t.victim
		t.victim = (t.victim + 1) % NumTLBEntries
	}
	t.entries[slot] = tlbEntry{hi: VPN(va) << PageShift, lo: MakeEntryLo(pfn, dirty)}
}

// Shootdown invalidates the mapping for the page containing va, if present.
// This is the single-CPU targeted shootdown of §4.E; there is no remote-CPU
// fan-out because this platform is single-CPU by design.
func (t *TLB) Shootdown(va uintptr) {
	guard := DisableIRQ()
	defer guard.Restore()

	t.mu.Lock()
	defer t.mu.Unlock()
	if slot := t.probeLocked(va); slot >= 0 {
		t.entries[slot] = tlbEntry{hi: invalidHi(slot)}
	}
}

// ShootdownAll invalidates every slot — the whole-TLB flush issued whenever
// the installed address space changes (as_activate).
func (t *TLB) ShootdownAll() {
	guard := DisableIRQ()
	defer guard.Restore()

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		t.entries[i] = tlbEntry{hi: invalidHi(i)}
	}
}
