// Package swap implements the backing store the coremap evicts user pages to:
// a flat block device addressed in page-sized slots, tracked by a bitmap.
// Grounded on original_source/kern/vm/swap.c's swap_bootstrap/swap_write_page
// and on the teacher's ufs/driver.go ahci_disk_t, which wraps an os.File with
// a mutex instead of talking to real AHCI hardware — the same shape this
// package needs for a page-granular device.
package swap

import (
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/soonami69/cpen331/defs"
	"github.com/soonami69/cpen331/mips"
)

// Slot identifies a page-sized region of the swap device by byte offset.
// It is a distinct named type, so a plain int variable can't be passed
// where a slot is expected; NoSlot is the in-band value -1 of that type,
// not a separate tag.
type Slot int64

// NoSlot is the sentinel for "no swap slot assigned".
const NoSlot Slot = -1

// BlockDevice is the swap device's external collaborator: anything that can
// report its size and do page-granular reads and writes at a byte offset.
// FileDevice is the only implementation here; tests may substitute their own.
type BlockDevice interface {
	Size() int64
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// FileDevice backs the swap device with a regular file, exactly as
// ahci_disk_t backs a disk with an os.File — Seek+Read/Write under a mutex in
// the teacher's version, ReadAt/WriteAt here since os.File supports them
// directly and needs no shared seek cursor.
type FileDevice struct {
	f *os.File
}

// OpenFileDevice opens or creates path and truncates/extends it to size
// bytes, ready to serve as swap space.
func OpenFileDevice(path string, size int64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) Size() int64 {
	fi, err := d.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }

// Close releases the underlying file.
func (d *FileDevice) Close() error { return d.f.Close() }

// Space is the swap device: a slot bitmap guarding a block device, under the
// single swap_lock the spec assigns this component (sync.Mutex stands in for
// the sleeping kernel lock, which is an out-of-scope external primitive).
type Space struct {
	mu     sync.Mutex
	dev    BlockDevice
	bitmap []uint64
	nslots int
	log    zerolog.Logger
}

// Bootstrap sizes the slot bitmap to dev's capacity and returns a ready Space.
func Bootstrap(dev BlockDevice, logger zerolog.Logger) (*Space, defs.Err_t) {
	size := dev.Size()
	nslots := int(size / int64(mips.PageSize))
	if nslots == 0 {
		return nil, defs.ENOSPC
	}
	words := (nslots + 63) / 64
	sp := &Space{
		dev:    dev,
		bitmap: make([]uint64, words),
		nslots: nslots,
		log:    logger,
	}
	logger.Info().Int("slots", nslots).Msg("swap device bootstrapped")
	return sp, 0
}

// AllocSlot reserves the lowest-indexed free slot and returns its offset.
func (s *Space) AllocSlot() (Slot, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.nslots; i++ {
		w, b := i/64, uint(i%64)
		if s.bitmap[w]&(1<<b) == 0 {
			s.bitmap[w] |= 1 << b
			return Slot(i) * Slot(mips.PageSize), 0
		}
	}
	return NoSlot, defs.ENOSPC
}

// FreeSlot releases slot back to the pool. Freeing NoSlot is a no-op, so
// callers don't need a special case for "nothing was ever swapped out".
func (s *Space) FreeSlot(slot Slot) {
	if slot == NoSlot {
		return
	}
	if int64(slot)%int64(mips.PageSize) != 0 {
		panic("swap: slot is not page-aligned")
	}
	idx := int(int64(slot) / int64(mips.PageSize))
	s.mu.Lock()
	defer s.mu.Unlock()
	w, b := idx/64, uint(idx%64)
	s.bitmap[w] &^= 1 << b
}

// WritePage writes exactly one page of data to slot.
func (s *Space) WritePage(data []byte, slot Slot) defs.Err_t {
	if len(data) != int(mips.PageSize) {
		panic("swap: page buffer is the wrong size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.dev.WriteAt(data, int64(slot))
	if err != nil || n != len(data) {
		s.log.Error().Err(err).Int64("slot", int64(slot)).Msg("short write to swap device")
		return defs.EIO
	}
	return 0
}

// ReadPage reads exactly one page of data from slot into data.
func (s *Space) ReadPage(data []byte, slot Slot) defs.Err_t {
	if len(data) != int(mips.PageSize) {
		panic("swap: page buffer is the wrong size")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.dev.ReadAt(data, int64(slot))
	if err != nil || n != len(data) {
		s.log.Error().Err(err).Int64("slot", int64(slot)).Msg("short read from swap device")
		return defs.EIO
	}
	return 0
}
