//go:build linux

package stats

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared is an mmap-backed Block plus the memfd backing it. The
// supervisor spawns the child by re-exec (via os/exec with
// SysProcAttr.Cloneflags), not a raw clone(2) that would let the
// child inherit the parent's address space directly — so the mapping
// has to be backed by a file descriptor the child can re-mmap after
// its own exec, rather than an anonymous MAP_ANONYMOUS region that
// would not survive execve. memfd_create gives exactly that: an
// anonymous, shareable file with no filesystem path, passed to the
// child as an inherited fd (see supervisor.Spawn's ExtraFiles).
type Shared struct {
	block *Block
	mem   []byte
	fd    int
}

// NewShared creates the memfd-backed region sized for one Block. Call
// before spawning the child; pass Fd() across the exec via
// (*exec.Cmd).ExtraFiles and have the child call OpenSharedFd on the
// inherited descriptor.
func NewShared() (*Shared, error) {
	fd, err := unix.MemfdCreate("m46e-stats", 0)
	if err != nil {
		return nil, fmt.Errorf("stats: memfd_create: %w", err)
	}
	pageAligned := (Size + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	if err := unix.Ftruncate(fd, int64(pageAligned)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stats: ftruncate memfd: %w", err)
	}
	return mapShared(fd, pageAligned)
}

// OpenSharedFd maps an inherited memfd (already sized by the parent's
// NewShared) into the Block view. Used by the child once it has
// adopted its ExtraFiles after re-exec.
func OpenSharedFd(fd int) (*Shared, error) {
	return mapShared(fd, Size)
}

func mapShared(fd, length int) (*Shared, error) {
	mem, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("stats: mmap shared region: %w", err)
	}
	return &Shared{
		block: (*Block)(unsafe.Pointer(&mem[0])),
		mem:   mem,
		fd:    fd,
	}, nil
}

// Block returns the counters view. Valid identically in parent and
// child once both have mapped the same memfd.
func (s *Shared) Block() *Block { return s.block }

// Fd returns the memfd backing the mapping, to be passed to the child
// across exec.
func (s *Shared) Fd() int { return s.fd }

// Close unmaps the region and closes the memfd. Only the last exiting
// process needs to call it; the kernel reclaims both on process exit
// regardless.
func (s *Shared) Close() error {
	err := unix.Munmap(s.mem)
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	return err
}
