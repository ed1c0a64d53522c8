// Package simhw provides the simulated platform collaborators this kernel
// boots against: installed RAM that hands out frames through StealMem before
// the coremap exists to manage them itself. Real hardware discovers this at
// boot from a memory map the bootloader leaves behind; this package just
// models the contract (mips.RAM) the VM core consumes.
package simhw

import "github.com/soonami69/cpen331/mips"

// RAM is a flat, fixed-size pool of simulated physical memory with a
// monotonically advancing steal frontier.
type RAM struct {
	totalBytes uintptr
	stolen     uintptr
}

// NewRAM returns a RAM modeling totalBytes of installed physical memory.
func NewRAM(totalBytes uintptr) *RAM {
	return &RAM{totalBytes: totalBytes}
}

// GetSize returns total installed RAM in bytes.
func (r *RAM) GetSize() uintptr {
	return r.totalBytes
}

// StealMem reserves npages contiguous pages at the current frontier and
// advances it. npages == 0 just reports the current frontier without
// reserving anything, which is how the coremap learns where the permanently
// kernel-owned region ends.
func (r *RAM) StealMem(npages int) (uintptr, bool) {
	need := uintptr(npages) * mips.PageSize
	if r.stolen+need > r.totalBytes {
		return 0, false
	}
	pa := r.stolen
	r.stolen += need
	return pa, true
}
