package swap

import (
	"testing"

	"duskvm/internal/mem"
	"duskvm/internal/vmerr"
)

func TestAllocFreeSlotRoundTrip(t *testing.T) {
	s, err := New(NewMemVnode(4))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := s.Slots(), 4; got != want {
		t.Fatalf("Slots() = %d, want %d", got, want)
	}

	var allocated []Slot
	for i := 0; i < 4; i++ {
		slot, err := s.AllocSlot()
		if err != nil {
			t.Fatalf("AllocSlot %d: %v", i, err)
		}
		if s.Used(slot) != true {
			t.Fatalf("slot %d should be marked used after AllocSlot", slot)
		}
		allocated = append(allocated, slot)
	}

	if _, err := s.AllocSlot(); !vmerr.Is(err, vmerr.OutOfSwap) {
		t.Fatalf("AllocSlot on exhaustion should return OutOfSwap, got %v", err)
	}

	for _, slot := range allocated {
		s.FreeSlot(slot)
		if s.Used(slot) {
			t.Fatalf("slot %d should not be used after FreeSlot", slot)
		}
	}

	for i := 0; i < 4; i++ {
		if _, err := s.AllocSlot(); err != nil {
			t.Fatalf("AllocSlot after freeing everything should succeed, got %v", err)
		}
	}
}

func TestWriteOutReadInRoundTrip(t *testing.T) {
	s, err := New(NewMemVnode(2))
	if err != nil {
		t.Fatal(err)
	}
	slot, err := s.AllocSlot()
	if err != nil {
		t.Fatal(err)
	}

	var page mem.Page
	for i := range page {
		page[i] = byte(i)
	}
	if err := s.WriteOut(&page, slot); err != nil {
		t.Fatal(err)
	}

	var back mem.Page
	if err := s.ReadIn(&back, slot); err != nil {
		t.Fatal(err)
	}
	if back != page {
		t.Fatal("ReadIn did not reproduce the bytes written by WriteOut")
	}
}

func TestFreeSlotOfNoSlotIsNoop(t *testing.T) {
	s, err := New(NewMemVnode(1))
	if err != nil {
		t.Fatal(err)
	}
	s.FreeSlot(NoSlot) // must not panic or corrupt the bitmap
	if _, err := s.AllocSlot(); err != nil {
		t.Fatalf("store should still have its one slot free, got %v", err)
	}
}
