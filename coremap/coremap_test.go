package coremap

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soonami69/cpen331/defs"
	"github.com/soonami69/cpen331/mips"
	"github.com/soonami69/cpen331/simhw"
	"github.com/soonami69/cpen331/swap"
)

func newTestCoreMap(t *testing.T, totalPages int, swapPages int) *CoreMap {
	t.Helper()
	ram := simhw.NewRAM(uintptr(totalPages) * mips.PageSize)

	path := filepath.Join(t.TempDir(), "swap.img")
	dev, err := swap.OpenFileDevice(path, int64(swapPages)*int64(mips.PageSize))
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	sw, serr := swap.Bootstrap(dev, zerolog.Nop())
	require.Equal(t, defs.Err_t(0), serr)

	cm, cerr := Bootstrap(ram, sw, zerolog.Nop())
	require.Equal(t, defs.Err_t(0), cerr)
	return cm
}

// fakeAS is a minimal coremap.AddressSpace for exercising eviction without
// pulling in the real addrspace package (which itself depends on coremap).
type fakeAS struct {
	locked   bool
	resident map[uintptr]PFN
	evicted  map[uintptr]swap.Slot
	shotDown []uintptr
}

func newFakeAS() *fakeAS {
	return &fakeAS{resident: map[uintptr]PFN{}, evicted: map[uintptr]swap.Slot{}}
}

func (f *fakeAS) LockAS()   { f.locked = true }
func (f *fakeAS) UnlockAS() { f.locked = false }
func (f *fakeAS) ResidentPFN(vaddr uintptr) (PFN, bool) {
	pfn, ok := f.resident[vaddr]
	return pfn, ok
}
func (f *fakeAS) MarkEvicted(vaddr uintptr, slot swap.Slot) {
	delete(f.resident, vaddr)
	f.evicted[vaddr] = slot
}
func (f *fakeAS) ShootdownVA(vaddr uintptr) {
	f.shotDown = append(f.shotDown, vaddr)
}

func TestAllocKpagesFindsLowestIndexedRun(t *testing.T) {
	cm := newTestCoreMap(t, 16, 4)

	kva1, err := cm.AllocKpages(2)
	require.Equal(t, defs.Err_t(0), err)
	pfn1 := PFN(mips.KVToP(kva1) / mips.PageSize)
	assert.Equal(t, cm.firstUserFrame, pfn1)

	kva2, err := cm.AllocKpages(1)
	require.Equal(t, defs.Err_t(0), err)
	pfn2 := PFN(mips.KVToP(kva2) / mips.PageSize)
	assert.Equal(t, pfn1+2, pfn2, "second allocation should land right after the first run")
}

func TestAllocKpagesSkipsAheadPastUsedRun(t *testing.T) {
	cm := newTestCoreMap(t, 16, 4)

	_, err := cm.AllocKpages(1) // occupies firstUserFrame
	require.Equal(t, defs.Err_t(0), err)

	kva, err := cm.AllocKpages(3)
	require.Equal(t, defs.Err_t(0), err)
	pfn := PFN(mips.KVToP(kva) / mips.PageSize)
	assert.Equal(t, cm.firstUserFrame+1, pfn)
}

func TestFreeKpagesOnUserFramePanics(t *testing.T) {
	cm := newTestCoreMap(t, 16, 4)
	kva, err := cm.AllocKpages(1)
	require.Equal(t, defs.Err_t(0), err)
	pfn := PFN(mips.KVToP(kva) / mips.PageSize)
	cm.PromoteToUser(pfn, newFakeAS(), 0x1000)

	assert.Panics(t, func() { cm.FreeKpages(kva) })
}

func TestFreeKpagesWalksWholeRun(t *testing.T) {
	cm := newTestCoreMap(t, 16, 4)
	kva, err := cm.AllocKpages(3)
	require.Equal(t, defs.Err_t(0), err)

	cm.FreeKpages(kva)
	assert.Equal(t, int(cm.firstUserFrame), cm.UsedCount())
}

func TestAllocUserPageEvictsWhenFull(t *testing.T) {
	cm := newTestCoreMap(t, 4, 4) // leaves very little room for user frames
	owner := newFakeAS()

	var pfns []PFN
	for i := 0; i < 8; i++ {
		pfn, err := cm.AllocUserPage()
		if err != 0 {
			break
		}
		cm.PromoteToUser(pfn, owner, uintptr(i)*mips.PageSize)
		owner.resident[uintptr(i)*mips.PageSize] = pfn
		pfns = append(pfns, pfn)
	}
	assert.NotEmpty(t, pfns)
	assert.LessOrEqual(t, cm.UsedCount(), len(cm.entries))
}

func TestEvictOneWritesToSwapAndNotifiesOwner(t *testing.T) {
	cm := newTestCoreMap(t, 8, 4)
	owner := newFakeAS()

	pfn, err := cm.AllocUserPage()
	require.Equal(t, defs.Err_t(0), err)
	cm.PromoteToUser(pfn, owner, 0x2000)
	owner.resident[0x2000] = pfn
	copy(cm.Frame(pfn), []byte("hello"))

	everr := cm.EvictOne()
	require.Equal(t, defs.Err_t(0), everr)

	slot, ok := owner.evicted[0x2000]
	require.True(t, ok)
	assert.Contains(t, owner.shotDown, uintptr(0x2000))
	assert.False(t, cm.entries[pfn].Used, "evicted frame must be released back to the pool")
	_ = slot
}
