//go:build linux

package swap

import "golang.org/x/sys/unix"

// directFlag returns O_DIRECT on platforms that define it.
func directFlag() int { return unix.O_DIRECT }
