// Package addrspace implements the address space (spec.md §4.4): a two-level
// page table, an ordered region list, and a heap range, together with its
// lifecycle (create, fork, activate, deactivate, destroy) and the adjust_break
// heap syscall (spec.md §4.7).
//
// It generalizes biscuit's Vm_t (biscuit/src/vm/as.go): one struct pairing a
// Pmap_t with a Vmregion_t and a break-range pair, with as.Lock() guarding
// structural changes to both the page table and the break range. Fork here
// follows the same page-by-page walk as biscuit's as.Copy, resolving RAM
// pages by copying frame contents and SWAP pages by round-tripping a frame
// through the backing device, but is simplified to the four PTE states
// spec.md defines (no COW, no file-backed regions, per spec.md §1).
package addrspace

import (
	"duskvm/internal/coremap"
	"duskvm/internal/mem"
	"duskvm/internal/pagetable"
	"duskvm/internal/region"
	"duskvm/internal/swap"
	"duskvm/internal/tlb"
	"duskvm/internal/vmerr"
	"duskvm/internal/vmstat"
)

// AddrSpace is one process's virtual address space.
type AddrSpace struct {
	table pagetable.Table // embeds the structural lock shared with heap range

	regions region.List

	// heapStart and heapEnd bound the heap/break region; both fields are
	// guarded by table's embedded mutex, per spec.md §4.4's description of
	// the heap range as covered by the same lock as the page table.
	heapStart uintptr
	heapEnd   uintptr
}

// Frames is the process-wide frame table singleton (spec.md §9), created
// once at boot by Bootstrap. It is instantiated over AddrSpace so coremap
// never needs to import this package.
var Frames *coremap.Table[AddrSpace]

// Bootstrap initializes the frame table over the given physical RAM extent
// and returns the number of initially free frames. It must run exactly once,
// before any address space is created.
func Bootstrap(ramTop, firstFree uintptr) int {
	t, free := coremap.Bootstrap[AddrSpace](ramTop, firstFree)
	Frames = t
	return free
}

var (
	active       *AddrSpace
	activeDevice tlb.Device
)

// Create allocates an empty address space: no page table entries, no
// regions, a zeroed heap range. Unlike biscuit's C-derived allocator this
// can't fail in a hosted Go process, but the error return is kept to match
// spec.md's create() signature and to leave room for a future quota.
func Create() (*AddrSpace, error) {
	return &AddrSpace{}, nil
}

// DefineRegion page-aligns [vaddr, vaddr+size), inserts it into the region
// list, and -- if its end lies above the current heap_start -- advances both
// heap_start and heap_end to that end (spec.md §4.4).
func (as *AddrSpace) DefineRegion(vaddr uintptr, size int, readable, writeable, executable bool) {
	base := mem.PageAlign(vaddr)
	end := uintptr(mem.Roundup(int(vaddr) + size))
	npages := int(end-base) / mem.PageSize

	r := region.Region{
		Base:       base,
		Pages:      npages,
		Readable:   readable,
		Writeable:  writeable,
		Executable: executable,
	}

	as.table.Lock()
	as.regions.Insert(r)
	if e := r.End(); e > as.heapStart {
		as.heapStart = e
		as.heapEnd = e
	}
	as.table.Unlock()
}

// DefineStack defines the fixed-size stack region ending at USERSTACK, then
// restores the heap range to what it was before (the stack is not part of
// the heap), and returns the initial user stack pointer (spec.md §4.4).
func (as *AddrSpace) DefineStack() uintptr {
	as.table.Lock()
	savedStart, savedEnd := as.heapStart, as.heapEnd
	as.table.Unlock()

	as.DefineRegion(mem.USERSTACK-mem.STACKRESERVE, mem.STACKRESERVE, true, true, false)

	as.table.Lock()
	as.heapStart, as.heapEnd = savedStart, savedEnd
	as.table.Unlock()

	return mem.USERSTACK
}

// PrepareLoad materializes a PTE for every page of every region and sets it
// to ZERO, readonly = false, so the loader may write into it regardless of
// the region's final permissions (spec.md §4.4).
func (as *AddrSpace) PrepareLoad() error {
	for _, r := range as.regions.All() {
		for p := 0; p < r.Pages; p++ {
			va := r.Base + uintptr(p)*mem.PageSize
			e, ok := as.table.GetEntry(va, true)
			if !ok {
				return vmerr.New(vmerr.OutOfMemory)
			}
			e.Lock()
			e.State = pagetable.Zero
			e.Readonly = false
			e.Unlock()
		}
	}
	return nil
}

// CompleteLoad revisits every page of every region and sets its PTE's
// readonly flag to the region's final permission, now that the loader has
// finished writing (spec.md §4.4).
func (as *AddrSpace) CompleteLoad() {
	for _, r := range as.regions.All() {
		for p := 0; p < r.Pages; p++ {
			va := r.Base + uintptr(p)*mem.PageSize
			e, ok := as.table.GetEntry(va, false)
			if !ok {
				panic("addrspace: complete_load found a page with no PTE; prepare_load must run first")
			}
			e.Lock()
			if e.State != pagetable.Zero && e.State != pagetable.RAM {
				e.Unlock()
				panic("addrspace: complete_load found a PTE not in ZERO or RAM")
			}
			e.Readonly = !r.Writeable
			e.Unlock()
		}
	}
}

// Activate installs as as the single active address space and flushes dev,
// the TLB device it will be faulted through (spec.md §4.4: "activate:
// install the address space as current; invalidate the full TLB").
func (as *AddrSpace) Activate(dev tlb.Device) {
	active = as
	activeDevice = dev
	dev.FlushAll()
}

// Deactivate is a no-op: TLB invalidation already happens on the next
// Activate, per spec.md §4.4.
func (as *AddrSpace) Deactivate() {}

// Destroy walks every materialized PTE, releasing its RAM frame or swap slot,
// and empties the region list (spec.md §4.4).
func (as *AddrSpace) Destroy() {
	for i1 := 0; i1 < pagetable.L1Entries; i1++ {
		l2 := as.table.L2At(i1)
		if l2 == nil {
			continue
		}
		for i2 := 0; i2 < pagetable.L2Entries; i2++ {
			e := as.table.EntryAt(l2, i2)
			if e == nil {
				continue
			}
			e.Lock()
			switch e.State {
			case pagetable.RAM:
				Frames.FreeUser(e.Frame)
			case pagetable.Swap:
				swap.Global.FreeSlot(e.Slot)
			}
			e.State = pagetable.Unalloc
			e.Unlock()
		}
	}
	as.regions.Clear()
	if active == as {
		active = nil
		activeDevice = nil
	}
}

// Copy forks as into a new address space: the region list and heap range are
// copied verbatim, and every PTE is resolved page by page (spec.md §4.4).
// RAM pages are duplicated by copying frame contents into a freshly
// allocated frame; SWAP pages are duplicated by reading the source slot into
// a scratch frame, allocating a new slot, and writing it back out, so parent
// and child never alias the same swap slot or frame. Locks are acquired
// source-entry-then-destination-entry to match the fixed ordering spec.md §5
// mandates between two address spaces' PTEs.
func (as *AddrSpace) Copy() (*AddrSpace, error) {
	child, err := Create()
	if err != nil {
		return nil, err
	}
	child.regions = as.regions.Clone()

	as.table.Lock()
	heapStart, heapEnd := as.heapStart, as.heapEnd
	as.table.Unlock()
	child.heapStart, child.heapEnd = heapStart, heapEnd

	for i1 := 0; i1 < pagetable.L1Entries; i1++ {
		srcL2 := as.table.L2At(i1)
		if srcL2 == nil {
			continue
		}
		for i2 := 0; i2 < pagetable.L2Entries; i2++ {
			srcEntry := as.table.EntryAt(srcL2, i2)
			if srcEntry == nil {
				continue
			}
			va := pagetable.Join(i1, i2)
			vpn := mem.VPN(va)
			dstEntry, ok := child.table.GetEntry(va, true)
			if !ok {
				child.Destroy()
				return nil, vmerr.New(vmerr.OutOfMemory)
			}
			if err := copyEntry(child, srcEntry, dstEntry, vpn); err != nil {
				child.Destroy()
				return nil, err
			}
		}
	}
	return child, nil
}

func copyEntry(dst *AddrSpace, se, de *pagetable.Entry, vpn uint64) error {
	se.Lock()
	defer se.Unlock()
	de.Lock()
	defer de.Unlock()

	switch se.State {
	case pagetable.RAM:
		nf, ok := Frames.AllocUser(dst, vpn)
		if !ok {
			return vmerr.New(vmerr.OutOfMemory)
		}
		*Frames.Page(nf) = *Frames.Page(se.Frame)
		de.State = pagetable.RAM
		de.Frame = nf
		de.Readonly = se.Readonly
	case pagetable.Swap:
		slot, err := swap.Global.AllocSlot()
		if err != nil {
			return err
		}
		scratch, ok := Frames.AllocUser(dst, vpn)
		if !ok {
			swap.Global.FreeSlot(slot)
			return vmerr.New(vmerr.OutOfMemory)
		}
		page := Frames.Page(scratch)
		if err := swap.Global.ReadIn(page, se.Slot); err != nil {
			Frames.FreeUser(scratch)
			swap.Global.FreeSlot(slot)
			return err
		}
		if err := swap.Global.WriteOut(page, slot); err != nil {
			Frames.FreeUser(scratch)
			swap.Global.FreeSlot(slot)
			return err
		}
		Frames.FreeUser(scratch)
		de.State = pagetable.Swap
		de.Slot = slot
		de.Readonly = se.Readonly
	case pagetable.Zero:
		de.State = pagetable.Zero
		de.Readonly = se.Readonly
	case pagetable.Unalloc:
		de.State = pagetable.Unalloc
	}
	return nil
}

// Classify reports whether va is writable and whether it falls inside a
// defined region or the heap range, the lookup spec.md §4.5's fault handler
// performs before consulting the PTE itself.
func (as *AddrSpace) Classify(va uintptr) (writable bool, ok bool) {
	if r, found := as.regions.Lookup(va); found {
		return r.Writeable, true
	}
	as.table.Lock()
	heapStart, heapEnd := as.heapStart, as.heapEnd
	as.table.Unlock()
	if va >= heapStart && va < heapEnd {
		return true, true
	}
	return false, false
}

// LookupVPN returns the PTE for vpn without materializing it.
func (as *AddrSpace) LookupVPN(vpn uint64) (*pagetable.Entry, bool) {
	return as.table.GetEntry(uintptr(vpn)<<mem.PageShift, false)
}

// LookupOrCreateVPN returns the PTE for vpn, materializing it (as UNALLOC)
// if absent.
func (as *AddrSpace) LookupOrCreateVPN(vpn uint64) (*pagetable.Entry, bool) {
	return as.table.GetEntry(uintptr(vpn)<<mem.PageShift, true)
}

// AllocFrame reserves a RAM frame for vpn on behalf of as, evicting once if
// needed; it is the address-space-facing entry point the fault handler uses
// instead of calling the frame table directly.
func (as *AddrSpace) AllocFrame(vpn uint64) (mem.Frame, error) {
	f, ok := Frames.AllocUser(as, vpn)
	if !ok {
		return 0, vmerr.New(vmerr.OutOfMemory)
	}
	return f, nil
}

// InvalidateVPN removes any TLB entry for vpn if as is the currently active
// address space. If as is not active, this would require a cross-CPU TLB
// shootdown this single-CPU core does not implement; spec.md §9 explicitly
// allows counting that path instead of performing it.
func (as *AddrSpace) InvalidateVPN(vpn uint64) {
	if active != as || activeDevice == nil {
		vmstat.Counters.CrossASShootdown.Inc()
		return
	}
	tlb.Invalidate(activeDevice, tlb.EntryHi(vpn<<mem.PageShift))
}

// AdjustBreak implements the heap syscall (spec.md §4.7): delta == 0 reports
// the current break; delta > 0 grows it, rejecting growth into the stack
// reservation; delta < 0 shrinks it, releasing the frame or slot backing
// every page fully enclosed in the vacated range and invalidating the TLB
// for any RAM page it frees.
func (as *AddrSpace) AdjustBreak(delta int) (old uintptr, err error) {
	as.table.Lock()
	old = as.heapEnd
	if delta == 0 {
		as.table.Unlock()
		return old, nil
	}
	if delta > 0 {
		grown := old + uintptr(delta)
		if grown > mem.USERSTACK-mem.STACKRESERVE {
			as.table.Unlock()
			return 0, vmerr.New(vmerr.OutOfMemory)
		}
		as.heapEnd = grown
		as.table.Unlock()
		return old, nil
	}

	shrink := uintptr(-delta)
	if shrink > old-as.heapStart {
		as.table.Unlock()
		return 0, vmerr.New(vmerr.InvalidAddress)
	}
	newBreak := old - shrink
	as.heapEnd = newBreak
	as.table.Unlock()

	start := uintptr(mem.Roundup(int(newBreak)))
	for va := start; va+mem.PageSize <= old; va += mem.PageSize {
		e, ok := as.table.GetEntry(va, false)
		if !ok {
			continue
		}
		e.Lock()
		switch e.State {
		case pagetable.RAM:
			Frames.FreeUser(e.Frame)
			e.State = pagetable.Unalloc
			e.Unlock()
			as.InvalidateVPN(mem.VPN(va))
		case pagetable.Swap:
			swap.Global.FreeSlot(e.Slot)
			e.State = pagetable.Unalloc
			e.Unlock()
		default:
			e.State = pagetable.Unalloc
			e.Unlock()
		}
	}
	return old, nil
}
