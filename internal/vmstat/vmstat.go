// Package vmstat holds the diagnostic counters the virtual-memory core
// updates as it runs: page faults by kind, swap traffic, evictions, and the
// reported-not-implemented cross-address-space TLB shootdown path spec.md
// §9 explicitly allows leaving unimplemented under the single-CPU
// assumption.
//
// It generalizes biscuit's stats.Counter_t/Stats2String (stats/stats.go):
// the teacher gates counting behind a Stats build-time bool and reaches for
// an unsafe.Pointer cast to get atomic increments on a plain int64 field;
// here the counters are always live (this core has no hot-path budget to
// protect the way a kernel does) and Counter wraps atomic.Int64 directly,
// so no unsafe conversion is needed. Stats2String's reflect-driven walk of
// a counters struct is kept as-is, since it is the idiom and not the
// gating that spec.md has any opinion about.
package vmstat

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Counter is a monotonically increasing diagnostic counter.
type Counter struct {
	n atomic.Int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { c.n.Add(1) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return c.n.Load() }

// Counters is the process-wide set of virtual-memory diagnostic counters.
var Counters struct {
	PageFaultsRead       Counter
	PageFaultsWrite      Counter
	PageFaultsReadonly   Counter
	ZeroFills            Counter
	SwapIns              Counter
	SwapOuts             Counter
	Evictions            Counter
	EvictionAborts       Counter
	CrossASShootdown     Counter
	OutOfMemoryErrors    Counter
	OutOfSwapErrors      Counter
}

// String renders every counter as a tab-indented "#Name: value" line, one
// per line after a leading newline, the same shape as biscuit's
// Stats2String.
func String() string {
	v := reflect.ValueOf(&Counters).Elem()
	var b strings.Builder
	for i := 0; i < v.NumField(); i++ {
		c := v.Field(i).Addr().Interface().(*Counter)
		b.WriteString("\n\t#")
		b.WriteString(v.Type().Field(i).Name)
		b.WriteString(": ")
		b.WriteString(strconv.FormatInt(c.Value(), 10))
	}
	b.WriteString("\n")
	return b.String()
}
