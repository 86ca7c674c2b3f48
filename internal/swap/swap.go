// Package swap implements the backing-store side of the virtual-memory
// core (spec.md §4.2): a fixed-size, page-granular device with a bitmap of
// allocated slots. It is grounded on the teacher's mem.Physmem_t pattern of
// one spinning lock guarding compact allocator state (biscuit's
// mem/mem.go), generalized from a free-list-of-frames to a bitmap-of-slots
// because spec.md explicitly calls for a bitmap here. Building a reusable,
// generic bitmap package was left out of scope (spec.md §1, "the bitmap
// allocator used to track swap slots" is listed as an external
// collaborator); what is needed here is a few dozen lines of bit twiddling
// inlined against this store's own slot count, not a standalone ADT.
package swap

import (
	"fmt"
	"sync"

	"duskvm/internal/mem"
	"duskvm/internal/vmerr"
)

// Slot identifies a page-sized region of the backing device.
type Slot int32

// NoSlot is returned by AllocSlot on exhaustion.
const NoSlot Slot = -1

// Vnode is the backing-device contract spec.md §6 lists as externally
// supplied ("opened by fixed name at swap-init time; supports page-sized
// read/write at byte offsets = slot x PAGE"). The full vnode/file-handle
// machinery (reference counting, open/close, stat) is out of scope per
// spec.md §1; callers only need page-granular positioned I/O, which is
// exactly io.ReaderAt/io.WriterAt plus a size query.
type Vnode interface {
	Size() (int64, error)
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Store is the swap store: a bitmap of allocated slots guarded by one
// spinning lock (class 2 in spec.md §5), plus the backing vnode. Reads and
// writes run without the lock held, since device I/O may block.
type Store struct {
	mu     sync.Mutex
	vn     Vnode
	slots  int
	bitmap []uint64
}

// Global is the process-wide swap store singleton (spec.md §9, "the frame
// table and swap store are process-wide singletons created at boot and
// never destroyed"). It is nil until Init succeeds.
var Global *Store

// Init opens the backing device via vn, sizes the slot bitmap to its
// capacity, and installs it as Global. A failure here is fatal per
// spec.md §7 ("failed swap init" aborts the kernel), so Init panics rather
// than returning a recoverable error.
func Init(vn Vnode) {
	s, err := New(vn)
	if err != nil {
		panic(fmt.Sprintf("swap: init: %v", err))
	}
	Global = s
}

// New builds a Store over vn without touching the Global singleton; tests
// use this to get an isolated store per case.
func New(vn Vnode) (*Store, error) {
	sz, err := vn.Size()
	if err != nil {
		return nil, fmt.Errorf("swap: stat backing device: %w", err)
	}
	slots := int(sz / mem.PageSize)
	return &Store{
		vn:     vn,
		slots:  slots,
		bitmap: make([]uint64, (slots+63)/64),
	}, nil
}

// Slots reports the total slot count of the device.
func (s *Store) Slots() int { return s.slots }

// AllocSlot reserves and returns a free slot under the swap lock.
func (s *Store) AllocSlot() (Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.slots; i++ {
		w, b := i/64, uint(i%64)
		if s.bitmap[w]&(1<<b) == 0 {
			s.bitmap[w] |= 1 << b
			return Slot(i), nil
		}
	}
	return NoSlot, vmerr.New(vmerr.OutOfSwap)
}

// FreeSlot clears slot's bit under the swap lock.
func (s *Store) FreeSlot(slot Slot) {
	if slot == NoSlot {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, b := int(slot)/64, uint(int(slot)%64)
	s.bitmap[w] &^= 1 << b
}

// Used reports whether slot is currently allocated. Diagnostics only.
func (s *Store) Used(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, b := int(slot)/64, uint(int(slot)%64)
	return s.bitmap[w]&(1<<b) != 0
}

// WriteOut synchronously writes page's contents into slot. It must run
// without the swap lock held; it may block on device I/O.
func (s *Store) WriteOut(page *mem.Page, slot Slot) error {
	if _, err := s.vn.WriteAt(page[:], int64(slot)*int64(mem.PageSize)); err != nil {
		return vmerr.Wrap(vmerr.DeviceError, err)
	}
	return nil
}

// ReadIn synchronously reads slot's contents into page.
func (s *Store) ReadIn(page *mem.Page, slot Slot) error {
	if _, err := s.vn.ReadAt(page[:], int64(slot)*int64(mem.PageSize)); err != nil {
		return vmerr.Wrap(vmerr.DeviceError, err)
	}
	return nil
}
