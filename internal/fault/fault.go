// Package fault implements the fault handler and eviction engine (spec.md
// §4.5, §4.6): the entry point a trap handler calls on every TLB miss or
// protection fault, and the clock-algorithm victim selection it falls back
// to under allocation pressure.
//
// It is grounded on biscuit's vm.Pagefault (biscuit/src/vm/as.go): a
// top-to-bottom classification of the fault address against the region
// list, a lookup-or-materialize of the backing page-table entry, and a
// branch on residency state that zero-fills, swaps in, or simply refreshes
// the TLB. The eviction half generalizes the same file's two-pass clock
// sweep, trading biscuit's refcount-aware page-stealing for spec.md's
// simpler four-state model.
package fault

import (
	"duskvm/internal/addrspace"
	"duskvm/internal/mem"
	"duskvm/internal/pagetable"
	"duskvm/internal/swap"
	"duskvm/internal/tlb"
	"duskvm/internal/vmerr"
	"duskvm/internal/vmstat"
)

// Type classifies the access that triggered a fault.
type Type int

const (
	Read Type = iota
	Write
	ReadonlyWrite
)

// Install registers the eviction engine as the frame table's evictor. It
// must run once at boot, after addrspace.Bootstrap. It lives here, not in
// addrspace or coremap, because it is the one place that is allowed to
// import both the frame table and the engine that drives it without
// creating a cycle (coremap and addrspace know nothing about fault).
func Install() {
	addrspace.Frames.SetEvictor(RunOnce)
}

// HandleFault implements spec.md §4.5 end to end: masking to the page
// boundary, rejecting kernel-window and read-only-write faults, classifying
// the address against the region list and heap range, materializing the
// PTE if needed, and resolving it to a resident RAM page with a fresh TLB
// entry installed.
func HandleFault(as *addrspace.AddrSpace, dev tlb.Device, ft Type, vaddr uintptr) error {
	countFault(ft)

	va := mem.PageAlign(vaddr)
	if mem.InKSeg0(va) {
		return vmerr.New(vmerr.InvalidAddress)
	}
	if as == nil {
		return vmerr.New(vmerr.InvalidAddress)
	}
	if ft == ReadonlyWrite {
		return vmerr.New(vmerr.Permission)
	}

	writable, ok := as.Classify(va)
	if !ok {
		return vmerr.New(vmerr.InvalidAddress)
	}
	vpn := mem.VPN(va)

	e, existed := as.LookupVPN(vpn)
	if !existed {
		var materialized bool
		e, materialized = as.LookupOrCreateVPN(vpn)
		if !materialized {
			return vmerr.New(vmerr.OutOfMemory)
		}
		e.Lock()
		if e.State == pagetable.Unalloc {
			e.State = pagetable.Zero
			e.Readonly = !writable
		}
	} else {
		e.Lock()
	}

	switch e.State {
	case pagetable.RAM:
		e.Referenced = true
		installTLB(dev, vpn, e.Frame, e.Readonly)
		e.Unlock()
		return nil

	case pagetable.Swap:
		return resolveSwap(as, dev, vpn, e)

	case pagetable.Unalloc, pagetable.Zero:
		e.Unlock()
		return resolveZeroFill(as, dev, vpn)

	default:
		e.Unlock()
		panic("fault: pte in unexpected state")
	}
}

// resolveSwap is called with e's lock held and e.State == Swap.
func resolveSwap(as *addrspace.AddrSpace, dev tlb.Device, vpn uint64, e *pagetable.Entry) error {
	slot := e.Slot
	f, err := as.AllocFrame(vpn)
	if err != nil {
		e.Unlock()
		return err
	}
	page := addrspace.Frames.Page(f)
	if err := swap.Global.ReadIn(page, slot); err != nil {
		addrspace.Frames.FreeUser(f)
		e.Unlock()
		return err
	}
	swap.Global.FreeSlot(slot)
	e.State = pagetable.RAM
	e.Frame = f
	e.Slot = swap.NoSlot
	e.Referenced = true
	installTLB(dev, vpn, e.Frame, e.Readonly)
	e.Unlock()
	vmstat.Counters.SwapIns.Inc()
	return nil
}

// resolveZeroFill implements spec.md §4.5 step 6's UNALLOC/ZERO branch: the
// PTE lock is released before the (possibly sleeping/evicting) frame
// allocation, and the PTE is re-looked-up afterward. If a concurrent fault
// already resolved the same page to RAM in the meantime, the redundant
// frame is freed rather than installed (spec.md's documented alternative to
// holding the lock across the whole sequence).
func resolveZeroFill(as *addrspace.AddrSpace, dev tlb.Device, vpn uint64) error {
	f, err := as.AllocFrame(vpn)
	if err != nil {
		return err
	}
	*addrspace.Frames.Page(f) = mem.Page{}

	e, ok := as.LookupVPN(vpn)
	if !ok {
		panic("fault: pte vanished during zero-fill")
	}
	e.Lock()
	switch e.State {
	case pagetable.RAM:
		addrspace.Frames.FreeUser(f)
	case pagetable.Unalloc, pagetable.Zero:
		e.State = pagetable.RAM
		e.Frame = f
	default:
		e.Unlock()
		panic("fault: zero-fill re-lookup found a PTE not in UNALLOC, ZERO, or RAM")
	}
	e.Referenced = true
	installTLB(dev, vpn, e.Frame, e.Readonly)
	e.Unlock()
	vmstat.Counters.ZeroFills.Inc()
	return nil
}

// installTLB encodes frame and readonly into an EntryLo and installs it at
// a random slot. Bits 0-1 carry the valid/dirty flags (mirroring real MIPS
// EntryLo layout); the frame number occupies the remaining high bits.
func installTLB(dev tlb.Device, vpn uint64, frame mem.Frame, readonly bool) {
	lo := tlb.EntryLo(uint32(frame)<<2) | tlb.LoValid
	if !readonly {
		lo |= tlb.LoDirty
	}
	dev.Install(tlb.EntryHi(vpn<<mem.PageShift), lo)
}

func countFault(ft Type) {
	switch ft {
	case Read:
		vmstat.Counters.PageFaultsRead.Inc()
	case Write:
		vmstat.Counters.PageFaultsWrite.Inc()
	case ReadonlyWrite:
		vmstat.Counters.PageFaultsReadonly.Inc()
	}
}
