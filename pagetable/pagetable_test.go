package pagetable

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soonami69/cpen331/coremap"
	"github.com/soonami69/cpen331/defs"
	"github.com/soonami69/cpen331/mips"
	"github.com/soonami69/cpen331/simhw"
	"github.com/soonami69/cpen331/swap"
)

func newTestEnv(t *testing.T, totalPages, swapPages int) (*coremap.CoreMap, *swap.Space) {
	t.Helper()
	ram := simhw.NewRAM(uintptr(totalPages) * mips.PageSize)
	path := filepath.Join(t.TempDir(), "swap.img")
	dev, err := swap.OpenFileDevice(path, int64(swapPages)*int64(mips.PageSize))
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	sw, serr := swap.Bootstrap(dev, zerolog.Nop())
	require.Equal(t, defs.Err_t(0), serr)
	cm, cerr := coremap.Bootstrap(ram, sw, zerolog.Nop())
	require.Equal(t, defs.Err_t(0), cerr)
	return cm, sw
}

func TestLookupOnEmptyTableReturnsNil(t *testing.T) {
	pt := New()
	assert.Nil(t, pt.Lookup(0x1000))
}

func TestInsertThenLookupRoundTrips(t *testing.T) {
	pt := New()
	e := pt.Insert(0x401000, coremap.PFN(3), true)
	assert.True(t, e.Valid)
	assert.True(t, e.Resident)
	assert.True(t, e.ReadOnly)

	got := pt.Lookup(0x401000)
	require.NotNil(t, got)
	assert.Equal(t, coremap.PFN(3), got.PFN)
}

func TestWalkVisitsOnlyValidEntries(t *testing.T) {
	pt := New()
	pt.Insert(0x1000, coremap.PFN(1), false)
	pt.Insert(0x401000, coremap.PFN(2), false)

	seen := map[uintptr]bool{}
	pt.Walk(func(vaddr uintptr, pte *PTE) {
		seen[vaddr] = true
	})
	assert.Len(t, seen, 2)
	assert.True(t, seen[0x1000])
	assert.True(t, seen[0x401000])
}

func TestCopyDeepCopiesResidentPage(t *testing.T) {
	cm, sw := newTestEnv(t, 16, 4)
	src := New()
	kva, err := cm.AllocKpages(1)
	require.Equal(t, defs.Err_t(0), err)
	srcPFN := coremap.PFN(mips.KVToP(kva) / mips.PageSize)
	copy(cm.Frame(srcPFN), []byte("payload"))
	src.Insert(0x1000, srcPFN, false)

	dst, cerr := Copy(src, cm, sw)
	require.Equal(t, defs.Err_t(0), cerr)

	dstEntry := dst.Lookup(0x1000)
	require.NotNil(t, dstEntry)
	assert.NotEqual(t, srcPFN, dstEntry.PFN, "copy must allocate a fresh frame, not share the parent's")
	assert.Equal(t, cm.Frame(srcPFN)[:7], cm.Frame(dstEntry.PFN)[:7])

	// Mutating the parent's frame must not affect the child's copy.
	copy(cm.Frame(srcPFN), []byte("mutated"))
	assert.Equal(t, byte('p'), cm.Frame(dstEntry.PFN)[0])
}

func TestCopyDeepCopiesSwappedPage(t *testing.T) {
	cm, sw := newTestEnv(t, 16, 4)
	src := New()

	slot, serr := sw.AllocSlot()
	require.Equal(t, defs.Err_t(0), serr)
	page := make([]byte, mips.PageSize)
	copy(page, []byte("swapped-out"))
	require.Equal(t, defs.Err_t(0), sw.WritePage(page, slot))

	src.Insert(0x1000, 0, false) // install then knock down to non-resident
	e := src.Lookup(0x1000)
	e.Resident = false
	e.SwapSlot = slot

	dst, cerr := Copy(src, cm, sw)
	require.Equal(t, defs.Err_t(0), cerr)

	dstEntry := dst.Lookup(0x1000)
	require.NotNil(t, dstEntry)
	assert.False(t, dstEntry.Resident)
	assert.NotEqual(t, slot, dstEntry.SwapSlot, "copy must allocate its own swap slot")

	got := make([]byte, mips.PageSize)
	require.Equal(t, defs.Err_t(0), sw.ReadPage(got, dstEntry.SwapSlot))
	assert.Equal(t, page, got)
}

func TestDestroyFreesSwapSlotsOnly(t *testing.T) {
	_, sw := newTestEnv(t, 16, 4)
	pt := New()
	slot, err := sw.AllocSlot()
	require.Equal(t, defs.Err_t(0), err)
	pt.Insert(0x1000, 0, false)
	e := pt.Lookup(0x1000)
	e.Resident = false
	e.SwapSlot = slot

	Destroy(pt, sw)

	reused, err := sw.AllocSlot()
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, slot, reused, "the freed slot must be reusable")
}
