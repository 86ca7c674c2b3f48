//go:build !linux

package swap

// directFlag is a no-op on platforms without O_DIRECT support.
func directFlag() int { return 0 }
