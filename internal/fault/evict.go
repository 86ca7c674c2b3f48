package fault

import (
	"duskvm/internal/addrspace"
	"duskvm/internal/mem"
	"duskvm/internal/pagetable"
	"duskvm/internal/swap"
	"duskvm/internal/vmstat"
)

// RunOnce attempts exactly one eviction cycle (spec.md §4.6) and reports
// whether it freed a frame. Pass 1 walks the clock one full revolution,
// clearing referenced bits and skipping referenced frames, stopping at the
// first unreferenced USER frame it finds. Pass 2, reached only if pass 1
// found nothing, picks the first USER frame encountered regardless of its
// reference bit.
func RunOnce() bool {
	n := addrspace.Frames.NumFrames()

	for i := 0; i < n; i++ {
		f, owner, vpn, isUser := addrspace.Frames.NextClockCandidate()
		if !isUser || owner == nil {
			continue
		}
		e, ok := owner.LookupVPN(vpn)
		if !ok {
			continue
		}
		e.Lock()
		if e.Referenced {
			e.Referenced = false
			e.Unlock()
			continue
		}
		e.Unlock()
		return evictFrame(f, owner, vpn)
	}

	for i := 0; i < n; i++ {
		owner, vpn, isUser := addrspace.Frames.CandidateAt(i)
		if isUser && owner != nil {
			return evictFrame(mem.Frame(i), owner, vpn)
		}
	}
	return false
}

// evictFrame runs the victim sequence of spec.md §4.6 steps 1-7. Any
// failure between mark_evicting and the final state change reverts the
// frame to USER (never FREE, since the page is still resident and owned)
// and reports failure so the caller may retry or give up.
func evictFrame(f mem.Frame, owner *addrspace.AddrSpace, vpn uint64) bool {
	if !addrspace.Frames.MarkEvicting(f) {
		return false
	}

	e, ok := owner.LookupVPN(vpn)
	if !ok {
		addrspace.Frames.RevertEvicting(f)
		vmstat.Counters.EvictionAborts.Inc()
		return false
	}

	e.Lock()
	if e.State != pagetable.RAM || e.Frame != f {
		e.Unlock()
		addrspace.Frames.RevertEvicting(f)
		vmstat.Counters.EvictionAborts.Inc()
		return false
	}

	slot, err := swap.Global.AllocSlot()
	if err != nil {
		e.Unlock()
		addrspace.Frames.RevertEvicting(f)
		vmstat.Counters.EvictionAborts.Inc()
		return false
	}

	page := addrspace.Frames.Page(f)
	if err := swap.Global.WriteOut(page, slot); err != nil {
		swap.Global.FreeSlot(slot)
		e.Unlock()
		addrspace.Frames.RevertEvicting(f)
		vmstat.Counters.EvictionAborts.Inc()
		return false
	}
	vmstat.Counters.SwapOuts.Inc()

	owner.InvalidateVPN(vpn)

	e.State = pagetable.Swap
	e.Slot = slot
	e.Frame = mem.NoFrame
	e.Unlock()

	addrspace.Frames.EvictionFinished(f)
	vmstat.Counters.Evictions.Inc()
	return true
}
