package region

import (
	"testing"

	"duskvm/internal/mem"
)

func TestContainsAndEnd(t *testing.T) {
	r := Region{Base: mem.PageSize, Pages: 2}
	if want := mem.PageSize + 2*mem.PageSize; r.End() != uintptr(want) {
		t.Fatalf("End() = %#x, want %#x", r.End(), want)
	}
	if r.Contains(r.Base - 1) {
		t.Fatal("one byte before Base must not be contained")
	}
	if !r.Contains(r.Base) {
		t.Fatal("Base itself must be contained")
	}
	if !r.Contains(r.End() - 1) {
		t.Fatal("the last byte of the region must be contained")
	}
	if r.Contains(r.End()) {
		t.Fatal("End() itself must not be contained")
	}
}

func TestInsertMaintainsBaseOrder(t *testing.T) {
	var l List
	l.Insert(Region{Base: 3 * mem.PageSize, Pages: 1})
	l.Insert(Region{Base: 1 * mem.PageSize, Pages: 1})
	l.Insert(Region{Base: 2 * mem.PageSize, Pages: 1})

	all := l.All()
	if len(all) != 3 {
		t.Fatalf("len(All()) = %d, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Base >= all[i].Base {
			t.Fatalf("regions not in ascending base order: %v", all)
		}
	}
}

func TestLookupFindsOwningRegion(t *testing.T) {
	var l List
	text := Region{Base: 0x1000, Pages: 1, Readable: true, Executable: true}
	heap := Region{Base: 0x3000, Pages: 4, Readable: true, Writeable: true}
	l.Insert(text)
	l.Insert(heap)

	if got, ok := l.Lookup(0x1fff); !ok || got.Base != text.Base {
		t.Fatalf("Lookup(0x1fff) = (%v, %v), want text region", got, ok)
	}
	if got, ok := l.Lookup(0x3500); !ok || got.Base != heap.Base {
		t.Fatalf("Lookup(0x3500) = (%v, %v), want heap region", got, ok)
	}
	if _, ok := l.Lookup(0x2000); ok {
		t.Fatal("Lookup in the gap between regions should report not found")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	var l List
	l.Insert(Region{Base: 0x1000, Pages: 1})

	clone := l.Clone()
	l.Insert(Region{Base: 0x2000, Pages: 1})

	if len(clone.All()) != 1 {
		t.Fatalf("mutating the original after Clone must not affect the clone, got %d regions", len(clone.All()))
	}
}

func TestClearEmptiesList(t *testing.T) {
	var l List
	l.Insert(Region{Base: 0x1000, Pages: 1})
	l.Clear()
	if len(l.All()) != 0 {
		t.Fatal("Clear should leave the list empty")
	}
	if _, ok := l.Lookup(0x1000); ok {
		t.Fatal("Lookup after Clear should find nothing")
	}
}
