// Package region implements the ordered, non-overlapping list of virtual
// regions an address space owns (spec.md §3, "Region"): (vbase, npages,
// readable, writeable, executable) tuples that determine the read-only flag
// applied to PTEs on fault.
//
// It generalizes biscuit's Vmregion_t (referenced throughout
// biscuit/src/vm/as.go as as.Vmregion.Lookup(uva), .insert(vmi)) down to
// just what spec.md's fault handler and loader need: region membership and
// permissions. Biscuit's Vminfo_t additionally tracks mapping type
// (anonymous/file/shared-anonymous) and file-backed page production, both
// out of scope here per spec.md §1 (no COW sharing, no file-backed VFS
// mappings -- every page in this core is anonymous, materialized on demand).
package region

import "duskvm/internal/mem"

// Region describes one virtual memory region of an address space.
type Region struct {
	Base       uintptr
	Pages      int
	Readable   bool
	Writeable  bool
	Executable bool
}

// End returns the address one past the region's last byte.
func (r Region) End() uintptr { return r.Base + uintptr(r.Pages)*mem.PageSize }

// Contains reports whether va falls within the region.
func (r Region) Contains(va uintptr) bool { return va >= r.Base && va < r.End() }

// List is an ordered, non-overlapping sequence of regions, ordered by Base
// ascending.
type List struct {
	regions []Region
}

// Insert adds r to the list in base-address order. Callers (the loader,
// stack setup) are trusted not to introduce overlap, mirroring spec.md's
// framing of region placement as caller-controlled.
func (l *List) Insert(r Region) {
	i := 0
	for i < len(l.regions) && l.regions[i].Base < r.Base {
		i++
	}
	l.regions = append(l.regions, Region{})
	copy(l.regions[i+1:], l.regions[i:])
	l.regions[i] = r
}

// Lookup returns the region containing va, if any.
func (l *List) Lookup(va uintptr) (Region, bool) {
	for _, r := range l.regions {
		if r.Contains(va) {
			return r, true
		}
	}
	return Region{}, false
}

// All returns every region, in base order. Used by prepare_load/
// complete_load to walk every page of every region.
func (l *List) All() []Region { return l.regions }

// Clone returns a deep copy of the list, used by address-space fork.
func (l *List) Clone() List {
	out := List{regions: make([]Region, len(l.regions))}
	copy(out.regions, l.regions)
	return out
}

// Clear empties the list; used by address-space destruction.
func (l *List) Clear() { l.regions = nil }
