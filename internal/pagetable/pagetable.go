// Package pagetable implements the per-address-space two-level page table
// of spec.md §4.3: a top-level array of pointers to second-level arrays of
// page-table entries, each PTE carrying its own mutual-exclusion lock.
//
// It generalizes biscuit's mem.Pmap_t/vm.Vm_t pairing (a fixed-depth array
// of page-table-entry words, with the whole address space sharing one
// mutex) in the direction spec.md requires: two levels instead of four (a
// 32-bit machine needs less depth than x86-64), and one lock per PTE rather
// than one lock for the whole address space, so a fault that sleeps on one
// page's entry lock does not block faults on other pages. The
// double-checked, allocate-before-locking install spec.md §4.3 describes
// for L1/L2 materialization is the same idiom design notes §9 calls out as
// "the canonical idiom" for a lazily-grown, owning page table.
package pagetable

import (
	"sync"

	"duskvm/internal/mem"
	"duskvm/internal/swap"
)

// Two-level split of a 32-bit virtual address: 10 bits of L1 index, 10 bits
// of L2 index, 12 bits of page offset (spec.md's GLOSSARY "L1/L2").
const (
	l1Bits  = 10
	l2Bits  = 10
	l2Shift = mem.PageShift
	l1Shift = l2Shift + l2Bits

	l1Mask = (1 << l1Bits) - 1
	l2Mask = (1 << l2Bits) - 1

	// L1Entries and L2Entries are the sizes of each level's array.
	L1Entries = 1 << l1Bits
	L2Entries = 1 << l2Bits
)

// Split returns the (L1, L2) indices of vaddr.
func Split(vaddr uintptr) (l1, l2 int) {
	return int((vaddr >> l1Shift) & l1Mask), int((vaddr >> l2Shift) & l2Mask)
}

// Join is the inverse of Split: it reconstructs the page-aligned virtual
// address named by the (L1, L2) pair, used by callers that walk a table in
// bulk (fork) and need each entry's virtual page back.
func Join(i1, i2 int) uintptr {
	return uintptr(i1)<<l1Shift | uintptr(i2)<<l2Shift
}

// State is a PTE's residency state.
type State int

const (
	// Unalloc means no frame, no slot; any access forces a transition to Zero.
	Unalloc State = iota
	// Zero means a logical page of zeros with no frame materialized yet.
	Zero
	// RAM means exactly one frame is resident and owns this PTE.
	RAM
	// Swap means exactly one swap slot owns this PTE; no frame is resident.
	Swap
)

func (s State) String() string {
	switch s {
	case Unalloc:
		return "unalloc"
	case Zero:
		return "zero"
	case RAM:
		return "ram"
	case Swap:
		return "swap"
	default:
		return "invalid"
	}
}

// Entry is a single page-table entry. mu is the per-entry mutual-exclusion
// lock (spec.md §4.3, §5 class 4): sleeping, acquired by callers after
// Table.GetEntry returns and the structural lock has been released, which
// is what lets a fault sleep on one entry's lock without blocking
// structural walkers of the same or other address spaces.
type Entry struct {
	mu sync.Mutex

	State      State
	Frame      mem.Frame
	Slot       swap.Slot
	Dirty      bool
	Readonly   bool
	Referenced bool
}

// Lock acquires the entry's mutual-exclusion lock.
func (e *Entry) Lock() { e.mu.Lock() }

// Unlock releases the entry's mutual-exclusion lock.
func (e *Entry) Unlock() { e.mu.Unlock() }

// l2Table is the second-level array of PTE pointers.
type l2Table struct {
	entries [L2Entries]*Entry
}

// At returns the entry at index i2, or nil if unpopulated.
func (l2 *l2Table) At(i2 int) *Entry { return l2.entries[i2] }

// Table is a two-level page table. The embedded mutex is this address
// space's single structural spinning lock (spec.md §4.4): it guards L1/L2
// pointer installation here, and by convention (see internal/addrspace) the
// heap range fields that live alongside it, since spec.md describes both as
// protected by the same lock.
type Table struct {
	sync.Mutex
	l1 [L1Entries]*l2Table
}

// GetEntry splits vaddr into (L1, L2) indices and returns the PTE there. If
// create is false, a missing L1 or L2 level yields (nil, false). If create
// is true, both levels are materialized via double-checked locking:
// allocate outside the lock, then re-check under the lock so a losing
// racer discards its allocation and adopts the winner's (spec.md §4.3).
func (t *Table) GetEntry(vaddr uintptr, create bool) (*Entry, bool) {
	i1, i2 := Split(vaddr)

	l2 := t.l2At(i1)
	if l2 == nil {
		if !create {
			return nil, false
		}
		l2 = t.allocL1(i1)
	}

	e := t.entryAt(l2, i2)
	if e == nil {
		if !create {
			return nil, false
		}
		e = t.allocL2Entry(l2, i2)
	}
	return e, true
}

func (t *Table) l2At(i1 int) *l2Table {
	t.Lock()
	defer t.Unlock()
	return t.l1[i1]
}

func (t *Table) entryAt(l2 *l2Table, i2 int) *Entry {
	t.Lock()
	defer t.Unlock()
	return l2.At(i2)
}

// AllocL2 materializes (if absent) and returns the second-level table at L1
// index i1, exposed for callers that walk the page table in bulk (spec.md
// §4.3). Address-space fork does not call it; it materializes each entry
// through GetEntry.
func (t *Table) AllocL2(i1 int) *l2Table {
	if l2 := t.l2At(i1); l2 != nil {
		return l2
	}
	return t.allocL1(i1)
}

func (t *Table) allocL1(i1 int) *l2Table {
	fresh := &l2Table{}
	t.Lock()
	defer t.Unlock()
	if t.l1[i1] == nil {
		t.l1[i1] = fresh
	}
	return t.l1[i1]
}

func (t *Table) allocL2Entry(l2 *l2Table, i2 int) *Entry {
	fresh := &Entry{State: Unalloc}
	t.Lock()
	defer t.Unlock()
	if l2.entries[i2] == nil {
		l2.entries[i2] = fresh
	}
	return l2.entries[i2]
}

// L2At returns the second-level table at L1 index i1, or nil if
// unpopulated, for callers walking the whole table (fork, destroy).
func (t *Table) L2At(i1 int) *l2Table { return t.l2At(i1) }

// EntryAt returns the entry at L2 index i2 within l2, or nil if
// unpopulated.
func (t *Table) EntryAt(l2 *l2Table, i2 int) *Entry {
	if l2 == nil {
		return nil
	}
	return t.entryAt(l2, i2)
}
