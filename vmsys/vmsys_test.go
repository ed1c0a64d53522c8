package vmsys

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
	"github.com/soonami69/cpen331/vmfault"
)

func newTestSystem(t *testing.T, ramPages, swapPages int) *VmSystem {
	t.Helper()
	ram := simhw.NewRAM(uintptr(ramPages) * mips.PageSize)
	path := filepath.Join(t.TempDir(), "swap.img")
	dev, err := swap.OpenFileDevice(path, int64(swapPages)*int64(mips.PageSize))
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	vs, verr := Bootstrap(ram, dev, zerolog.Nop())
	require.Equal(t, defs.Err_t(0), verr)
	return vs
}

// TestForkSeesIndependentCopies exercises the end-to-end fork scenario: a
// parent touches a heap page, forks, and the child's copy of that page is
// independent — writes on one side never appear on the other.
func TestForkSeesIndependentCopies(t *testing.T) {
	vs := newTestSystem(t, 64, 8)

	parent := vs.NewAddrSpace()
	parent.HeapStart = 0x500000
	parent.HeapEnd = parent.HeapStart
	parent.Activate()

	_, err := vs.Sbrk(parent, int(mips.PageSize))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.Err_t(0), vs.Fault(parent, parent.HeapStart, vmfault.Write))

	pte := parent.PT.Lookup(parent.HeapStart)
	copy(vs.CM.Frame(pte.PFN), []byte("parent-data"))

	child, cerr := parent.Copy()
	require.Equal(t, defs.Err_t(0), cerr)

	copy(vs.CM.Frame(pte.PFN), []byte("overwritten"))

	childPTE := child.PT.Lookup(parent.HeapStart)
	require.NotNil(t, childPTE)
	assert.Equal(t, []byte("parent-data"), vs.CM.Frame(childPTE.PFN)[:len("parent-data")])
}

// TestSbrkThenFaultThenEvictRoundTrips drives sbrk growth, a fault that
// brings the page in, a forced eviction, and a second fault that must bring
// the same contents back from swap.
func TestSbrkThenFaultThenEvictRoundTrips(t *testing.T) {
	vs := newTestSystem(t, 48, 8)
	as := vs.NewAddrSpace()
	as.HeapStart = 0x600000
	as.HeapEnd = as.HeapStart
	as.Activate()

	_, err := vs.Sbrk(as, int(mips.PageSize))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.Err_t(0), vs.Fault(as, as.HeapStart, vmfault.Write))

	pte := as.PT.Lookup(as.HeapStart)
	copy(vs.CM.Frame(pte.PFN), []byte("roundtrip"))

	require.Equal(t, defs.Err_t(0), vs.CM.EvictOne())
	require.Equal(t, defs.Err_t(0), vs.Fault(as, as.HeapStart, vmfault.Read))

	reloaded := as.PT.Lookup(as.HeapStart)
	assert.Equal(t, []byte("roundtrip"), vs.CM.Frame(reloaded.PFN)[:9])
}
