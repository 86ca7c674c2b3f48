// Package coremap implements the physical frame table (spec.md §4.1): a
// dense array indexed by physical frame number, recording each frame's
// state, a weak back-reference to its owning address space, and (for a
// kernel run's head frame) the run length.
//
// It is grounded on biscuit's mem.Physmem_t (biscuit/src/mem/mem.go): one
// struct embedding a single spinning lock over a flat array, a first-fit
// free-list/scan allocator, and a Dmap-style conversion between a frame
// index and a kernel-reachable pointer to its contents. Two things differ
// from the teacher by design, both mandated by spec.md: frames here track
// one of four states rather than a refcount (this core has no COW sharing,
// per spec.md §1 Non-goals), and the owning address space is generic rather
// than a hardwired teacher type, so this package can stay free of an import
// cycle with the address-space package that calls into it.
//
// The "owner" back-reference is genuinely weak: it is a weak.Pointer[AS]
// (Go's runtime-level weak pointer, stdlib since Go 1.24), not a strong
// reference that would keep an address space alive after its last strong
// holder (the process table, out of scope per spec.md §1) drops it.
package coremap

import (
	"sync"
	"weak"

	"duskvm/internal/mem"
)

// State is a physical frame's allocation state.
type State int

const (
	// Free means the frame is available for allocation.
	Free State = iota
	// Fixed means the frame belongs to a kernel allocation.
	Fixed
	// User means the frame is mapped by exactly one user PTE.
	User
	// Evicting is the transient state entered only from User while the
	// eviction engine writes the frame's contents to swap.
	Evicting
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Fixed:
		return "fixed"
	case User:
		return "user"
	case Evicting:
		return "evicting"
	default:
		return "invalid"
	}
}

type entry[AS any] struct {
	state    State
	chunkLen uint32
	owner    weak.Pointer[AS]
	vpn      uint64
}

// Table is the frame table, generic over AS (the concrete address-space
// type); instantiating it as Table[addrspace.AddrSpace] is what lets
// coremap avoid importing the addrspace package at all.
type Table[AS any] struct {
	mu      sync.Mutex // the frame-table spinning lock (spec.md §5, class 1)
	entries []entry[AS]
	ram     []mem.Page
	clock   uint32

	// evictor, once set by SetEvictor, attempts one eviction cycle and
	// reports whether it freed a frame. It is injected rather than
	// imported to avoid a cycle with the package that implements
	// eviction (which itself depends on this table) -- the same
	// function-pointer-injection idiom biscuit uses for Cpumap in
	// vm/as.go to let vm call back into a higher layer it cannot import.
	evictor func() bool
}

// Bootstrap computes the frame count from ramTop, marks every frame below
// firstFree FIXED (kernel image and frame-table storage), and returns the
// table plus the number of initially free pages (spec.md §4.1 bootstrap).
func Bootstrap[AS any](ramTop, firstFree uintptr) (*Table[AS], int) {
	if ramTop == 0 || ramTop%mem.PageSize != 0 {
		panic("coremap: ramTop must be a positive multiple of the page size")
	}
	nframes := int(ramTop / mem.PageSize)
	bootFrames := int(mem.Roundup(int(firstFree))) / mem.PageSize
	if bootFrames > nframes {
		bootFrames = nframes
	}
	t := &Table[AS]{
		entries: make([]entry[AS], nframes),
		ram:     make([]mem.Page, nframes),
	}
	for i := 0; i < bootFrames; i++ {
		t.entries[i].state = Fixed
	}
	return t, nframes - bootFrames
}

// SetEvictor installs the eviction callback used when an allocation scan
// fails. fn should attempt exactly one eviction and report success.
func (t *Table[AS]) SetEvictor(fn func() bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictor = fn
}

// NumFrames reports the total number of frames in the table.
func (t *Table[AS]) NumFrames() int { return len(t.entries) }

// Page returns the backing page for frame f, the coremap's stand-in for the
// kernel direct-mapped window onto physical RAM.
func (t *Table[AS]) Page(f mem.Frame) *mem.Page { return &t.ram[f] }

// AllocKernel finds the first run of n consecutive free frames, marks them
// Fixed (chunkLen on the head, 0 on the rest), and returns the kernel
// direct-mapped address of the head, or 0 if no such run exists. For n==1,
// a failed scan triggers exactly one eviction attempt before giving up; for
// n>1 no eviction is attempted, since a contiguous kernel run cannot be
// satisfied by evicting scattered user pages (spec.md §4.1).
func (t *Table[AS]) AllocKernel(n int) uintptr {
	if n <= 0 {
		panic("coremap: alloc_kernel requires n > 0")
	}
	if f, ok := t.tryAllocRun(n); ok {
		return f.KernelAddress()
	}
	if n == 1 && t.tryEvict() {
		if f, ok := t.tryAllocRun(1); ok {
			return f.KernelAddress()
		}
	}
	return 0
}

func (t *Table[AS]) tryAllocRun(n int) (mem.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run := 0
	for i := 0; i < len(t.entries); i++ {
		if t.entries[i].state == Free {
			run++
			if run == n {
				head := i - n + 1
				t.entries[head].state = Fixed
				t.entries[head].chunkLen = uint32(n)
				for j := head + 1; j <= i; j++ {
					t.entries[j].state = Fixed
					t.entries[j].chunkLen = 0
				}
				return mem.Frame(head), true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (t *Table[AS]) tryEvict() bool {
	t.mu.Lock()
	evict := t.evictor
	t.mu.Unlock()
	return evict != nil && evict()
}

// FreeKernel releases the kernel allocation whose head frame maps to kva.
// It is fatal (spec.md §7) to free a non-head or non-Fixed frame.
func (t *Table[AS]) FreeKernel(kva uintptr) {
	head := mem.FrameFromKernelAddress(kva)
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[head]
	if e.state != Fixed || e.chunkLen == 0 {
		panic("coremap: free_kernel called on a non-head kernel frame")
	}
	n := int(e.chunkLen)
	for i := 0; i < n; i++ {
		c := &t.entries[int(head)+i]
		c.state = Free
		c.chunkLen = 0
		c.owner = weak.Pointer[AS]{}
		c.vpn = 0
	}
}

// AllocUser reserves exactly one frame for owner's page vpn, evicting once
// if the first scan fails. Callers must be somewhere sleeping is permitted
// (spec.md §4.1).
func (t *Table[AS]) AllocUser(owner *AS, vpn uint64) (mem.Frame, bool) {
	if f, ok := t.tryAllocOne(owner, vpn); ok {
		return f, true
	}
	if t.tryEvict() {
		if f, ok := t.tryAllocOne(owner, vpn); ok {
			return f, true
		}
	}
	return 0, false
}

func (t *Table[AS]) tryAllocOne(owner *AS, vpn uint64) (mem.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].state == Free {
			t.entries[i].state = User
			t.entries[i].chunkLen = 1
			t.entries[i].owner = weak.Make(owner)
			t.entries[i].vpn = vpn
			return mem.Frame(i), true
		}
	}
	return 0, false
}

// FreeUser releases a single-page user frame. A frame under Evicting is left
// alone: the eviction engine owns the final transition to Free and the
// caller cannot assume the frame is free when FreeUser returns (spec.md
// §4.1, §9).
func (t *Table[AS]) FreeUser(f mem.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[f]
	if e.state == Evicting {
		return
	}
	if e.state != User || e.chunkLen != 1 {
		panic("coremap: free_user called on a frame that is not a single-page user allocation")
	}
	e.state = Free
	e.chunkLen = 0
	e.owner = weak.Pointer[AS]{}
	e.vpn = 0
}

// MarkEvicting transitions f from User to Evicting and reports success; it
// fails if f raced to a different state in the meantime.
func (t *Table[AS]) MarkEvicting(f mem.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[f]
	if e.state != User {
		return false
	}
	e.state = Evicting
	return true
}

// RevertEvicting transitions f from Evicting back to User. Used when the
// eviction engine must abort after marking a frame (spec.md §4.6, §9): the
// frame is still resident and owned, so the correct revert is to User, not
// Free.
func (t *Table[AS]) RevertEvicting(f mem.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[f]
	if e.state != Evicting {
		panic("coremap: revert_evicting called on a frame that is not under eviction")
	}
	e.state = User
}

// EvictionFinished transitions f from Evicting to Free once its contents
// have been durably written to swap and its PTE updated.
func (t *Table[AS]) EvictionFinished(f mem.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[f]
	if e.state != Evicting {
		panic("coremap: eviction_finished called on a frame that is not under eviction")
	}
	e.state = Free
	e.chunkLen = 0
	e.owner = weak.Pointer[AS]{}
	e.vpn = 0
}

// UsedBytes sums the size of every non-Free frame. Diagnostics only.
func (t *Table[AS]) UsedBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.entries {
		if t.entries[i].state != Free {
			n++
		}
	}
	return uint64(n) * mem.PageSize
}

// State reports the current state of frame f. Diagnostics and tests only.
func (t *Table[AS]) State(f mem.Frame) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[f].state
}

// ChunkLen reports the chunk length recorded at frame f. Diagnostics and
// tests only.
func (t *Table[AS]) ChunkLen(f mem.Frame) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[f].chunkLen
}

// NextClockCandidate returns the owner and vpn recorded at the current
// clock position if it names a User frame, then advances the clock past it
// -- "advance the clock past it" in spec.md §4.6 happens unconditionally,
// whether or not the candidate turns out to be the victim, which is what
// lets pass 1 make a full revolution without revisiting a frame.
func (t *Table[AS]) NextClockCandidate() (f mem.Frame, owner *AS, vpn uint64, isUser bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.clock
	t.clock = (t.clock + 1) % uint32(len(t.entries))
	e := &t.entries[idx]
	if e.state != User {
		return mem.Frame(idx), nil, 0, false
	}
	return mem.Frame(idx), e.owner.Value(), e.vpn, true
}

// CandidateAt returns the owner and vpn recorded at frame index idx if it
// names a User frame, without touching the clock. Used by pass 2, which
// scans the whole table regardless of clock position.
func (t *Table[AS]) CandidateAt(idx int) (owner *AS, vpn uint64, isUser bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &t.entries[idx]
	if e.state != User {
		return nil, 0, false
	}
	return e.owner.Value(), e.vpn, true
}
