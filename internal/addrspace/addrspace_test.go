package addrspace

import (
	"testing"

	"duskvm/internal/mem"
	"duskvm/internal/pagetable"
	"duskvm/internal/swap"
	"duskvm/internal/tlb"
)

func setupMemory(t *testing.T, frames int) {
	t.Helper()
	Bootstrap(uintptr(frames)*mem.PageSize, 0)
	store, err := swap.New(swap.NewMemVnode(frames))
	if err != nil {
		t.Fatalf("swap.New: %v", err)
	}
	swap.Global = store
}

func TestDefineRegionTracksHeapStart(t *testing.T) {
	setupMemory(t, 8)
	as, err := Create()
	if err != nil {
		t.Fatal(err)
	}
	as.DefineRegion(0x1000, 2*mem.PageSize, true, false, true)

	if w, ok := as.Classify(0x1fff); !ok || w {
		t.Fatalf("Classify(text page) = (%v, %v), want (false, true)", w, ok)
	}
	if _, ok := as.Classify(0x3000); ok {
		t.Fatal("Classify should report false just past the defined region, before the heap begins")
	}
}

func TestDefineStackDoesNotDisturbHeap(t *testing.T) {
	setupMemory(t, 16)
	as, _ := Create()
	as.DefineRegion(0x1000, mem.PageSize, true, true, false)

	before := as.heapEnd
	sp := as.DefineStack()
	if sp != mem.USERSTACK {
		t.Fatalf("DefineStack returned %#x, want USERSTACK %#x", sp, uintptr(mem.USERSTACK))
	}
	if as.heapEnd != before {
		t.Fatalf("DefineStack must not move heapEnd, got %#x want %#x", as.heapEnd, before)
	}
	if w, ok := as.Classify(mem.USERSTACK - 1); !ok || !w {
		t.Fatalf("Classify(stack) = (%v, %v), want (true, true)", w, ok)
	}
}

func TestPrepareLoadThenCompleteLoadSetsReadonly(t *testing.T) {
	setupMemory(t, 8)
	as, _ := Create()
	as.DefineRegion(0x1000, mem.PageSize, true, false, true) // readonly text page

	if err := as.PrepareLoad(); err != nil {
		t.Fatal(err)
	}
	e, ok := as.LookupVPN(mem.VPN(0x1000))
	if !ok {
		t.Fatal("PrepareLoad should have materialized the page's PTE")
	}
	e.Lock()
	if e.State != pagetable.Zero || e.Readonly {
		t.Fatalf("after PrepareLoad: state=%v readonly=%v, want Zero/false", e.State, e.Readonly)
	}
	e.Unlock()

	as.CompleteLoad()
	e.Lock()
	if !e.Readonly {
		t.Fatal("CompleteLoad should have set readonly on a non-writeable region")
	}
	e.Unlock()
}

func TestAdjustBreakGrowAndShrink(t *testing.T) {
	setupMemory(t, 8)
	as, _ := Create()
	as.DefineRegion(0x1000, mem.PageSize, true, true, false)

	oldBreak, err := as.AdjustBreak(0)
	if err != nil {
		t.Fatal(err)
	}

	grown, err := as.AdjustBreak(mem.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if grown != oldBreak {
		t.Fatalf("AdjustBreak(grow) should return the pre-growth break, got %#x want %#x", grown, oldBreak)
	}

	// Back the new page with a frame by hand, then shrink back and confirm
	// its PTE is reset to Unalloc.
	f, err := as.AllocFrame(mem.VPN(oldBreak))
	if err != nil {
		t.Fatal(err)
	}
	e, _ := as.LookupOrCreateVPN(mem.VPN(oldBreak))
	e.Lock()
	e.State = pagetable.RAM
	e.Frame = f
	e.Unlock()

	if _, err := as.AdjustBreak(-mem.PageSize); err != nil {
		t.Fatal(err)
	}
	e.Lock()
	if e.State != pagetable.Unalloc {
		t.Fatalf("shrinking the heap should release the page's PTE, got state %v", e.State)
	}
	e.Unlock()
}

func TestAdjustBreakRejectsGrowthIntoStack(t *testing.T) {
	setupMemory(t, 8)
	as, _ := Create()
	as.DefineRegion(0x1000, mem.PageSize, true, true, false)

	huge := int(mem.USERSTACK)
	if _, err := as.AdjustBreak(huge); err == nil {
		t.Fatal("growing the break into the stack reservation should fail")
	}
}

func TestDestroyReleasesFrames(t *testing.T) {
	setupMemory(t, 8)
	as, _ := Create()
	as.DefineRegion(0x1000, mem.PageSize, true, true, false)

	e, _ := as.LookupOrCreateVPN(mem.VPN(0x1000))
	f, err := as.AllocFrame(mem.VPN(0x1000))
	if err != nil {
		t.Fatal(err)
	}
	e.Lock()
	e.State = pagetable.RAM
	e.Frame = f
	e.Unlock()

	before := Frames.UsedBytes()
	as.Destroy()
	after := Frames.UsedBytes()
	if after >= before {
		t.Fatalf("Destroy should release the frame, used bytes went from %d to %d", before, after)
	}
}

func TestActivateFlushesTLB(t *testing.T) {
	setupMemory(t, 4)
	as, _ := Create()
	dev := tlb.NewSoftware(4)
	dev.Install(tlb.EntryHi(0x1000), tlb.LoValid)

	as.Activate(dev)
	if _, ok := dev.Probe(tlb.EntryHi(0x1000)); ok {
		t.Fatal("Activate should have flushed the TLB device")
	}
	as.Destroy()
}

func TestCopyDuplicatesRAMPageIndependently(t *testing.T) {
	setupMemory(t, 8)
	parent, _ := Create()
	parent.DefineRegion(0x1000, mem.PageSize, true, true, false)

	e, _ := parent.LookupOrCreateVPN(mem.VPN(0x1000))
	f, err := parent.AllocFrame(mem.VPN(0x1000))
	if err != nil {
		t.Fatal(err)
	}
	Frames.Page(f)[0] = 0xAB
	e.Lock()
	e.State = pagetable.RAM
	e.Frame = f
	e.Unlock()

	child, err := parent.Copy()
	if err != nil {
		t.Fatal(err)
	}

	ce, ok := child.LookupVPN(mem.VPN(0x1000))
	if !ok {
		t.Fatal("child should have a PTE for the forked page")
	}
	ce.Lock()
	if ce.State != pagetable.RAM {
		t.Fatalf("child PTE should be RAM after fork, got %v", ce.State)
	}
	if ce.Frame == f {
		t.Fatal("child must not alias the parent's frame")
	}
	if Frames.Page(ce.Frame)[0] != 0xAB {
		t.Fatal("forked page must carry over the parent's contents")
	}
	ce.Unlock()

	// Mutating the child's copy must not affect the parent's frame.
	Frames.Page(ce.Frame)[0] = 0xCD
	if Frames.Page(f)[0] != 0xAB {
		t.Fatal("parent and child frames must be fully independent after fork")
	}

	parent.Destroy()
	child.Destroy()
}
