package swap

import (
	"os"
	"sync"

	"duskvm/internal/mem"
	"golang.org/x/sys/unix"
)

// MemVnode is an in-memory Vnode, used by tests and by cmd/vmtrace's demo
// scenario in place of a real disk partition.
type MemVnode struct {
	mu   sync.Mutex
	data []byte
}

// NewMemVnode returns a MemVnode sized to hold nslots page-sized slots.
func NewMemVnode(nslots int) *MemVnode {
	return &MemVnode{data: make([]byte, nslots*mem.PageSize)}
}

func (v *MemVnode) Size() (int64, error) { return int64(len(v.data)), nil }

func (v *MemVnode) ReadAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return copy(p, v.data[off:off+int64(len(p))]), nil
}

func (v *MemVnode) WriteAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return copy(v.data[off:off+int64(len(p))], p), nil
}

// FileVnode backs the swap store with a real file or block device, opened
// with O_DIRECT where the platform supports it so page writes bypass the
// host page cache the way a real swap partition would. This is the
// production counterpart to MemVnode, grounded on the pack's convention
// (smoynes-elsie, SeleniaProject-Orizon) of reaching for golang.org/x/sys
// for anything past the most portable stdlib file calls.
type FileVnode struct {
	f *os.File
}

// OpenFileVnode opens name (a pre-sized swap file or block device) for
// page-granular positioned I/O. If name cannot be opened at all it returns
// the error; it does not panic.
func OpenFileVnode(name string) (*FileVnode, error) {
	fd, err := unix.Open(name, unix.O_RDWR|directFlag(), 0)
	if err != nil {
		// O_DIRECT is not supported on every filesystem (e.g. tmpfs, used
		// by tests and CI); fall back to buffered I/O rather than fail
		// swap init over a platform quirk unrelated to device availability.
		f, ferr := os.OpenFile(name, os.O_RDWR, 0)
		if ferr != nil {
			return nil, err
		}
		return &FileVnode{f: f}, nil
	}
	return &FileVnode{f: os.NewFile(uintptr(fd), name)}, nil
}

func (v *FileVnode) Size() (int64, error) {
	fi, err := v.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (v *FileVnode) ReadAt(p []byte, off int64) (int, error)  { return v.f.ReadAt(p, off) }
func (v *FileVnode) WriteAt(p []byte, off int64) (int, error) { return v.f.WriteAt(p, off) }

// Close releases the underlying file descriptor.
func (v *FileVnode) Close() error { return v.f.Close() }
