// Package nsutil provides the low-level Linux primitives the
// supervisor builds on: signal-mask/signalfd setup, PR_SET_PDEATHSIG,
// and the /proc remount a freshly unshared PID namespace needs. These
// are thin wrappers around golang.org/x/sys/unix, kept separate from
// supervisor so the orchestration logic (parent/child roles, the
// handshake sequence) reads independently of the raw syscalls backing
// it.
package nsutil

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// synchronousFaults are delivered to the faulting thread regardless of
// its mask; blocking them would turn a bug into an unrecoverable
// hang instead of a crash, so they are always excluded from the
// blocked set passed to signalfd.
var synchronousFaults = []unix.Signal{unix.SIGILL, unix.SIGSEGV, unix.SIGBUS, unix.SIGFPE}

// BlockAllExcept returns a full signal set with synchronousFaults
// cleared, ready to pass to PthreadSigmask and Signalfd. Both parent
// and child use it: every signal they care about (SIGCHLD, SIGTERM,
// SIGHUP, SIGUSR1, ...) arrives through the returned signalfd instead
// of an async-signal-unsafe handler.
func BlockAllExcept() unix.Sigset_t {
	var set unix.Sigset_t
	for i := range set.Val {
		set.Val[i] = ^uint64(0)
	}
	for _, sig := range synchronousFaults {
		clearSignal(&set, sig)
	}
	return set
}

func clearSignal(set *unix.Sigset_t, sig unix.Signal) {
	idx := int(sig) - 1
	if idx < 0 {
		return
	}
	set.Val[idx/64] &^= 1 << uint(idx%64)
}

// BlockSignals applies mask as the calling OS thread's signal mask.
// Signal masks are per-thread, so callers must runtime.LockOSThread
// before calling this if the mask is meant to stick (the main loop's
// signal-reading goroutine does).
func BlockSignals(mask unix.Sigset_t) error {
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &mask, nil); err != nil {
		return fmt.Errorf("nsutil: sigmask: %w", err)
	}
	return nil
}

// OpenSignalFD creates a signalfd bound to mask. The returned fd is
// level-triggered and readable whenever a pending blocked signal is
// waiting; ReadSignal drains one signalfd_siginfo per call.
func OpenSignalFD(mask unix.Sigset_t) (int, error) {
	fd, err := unix.Signalfd(-1, &mask, unix.SFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("nsutil: signalfd: %w", err)
	}
	return fd, nil
}

// ReadSignal blocks until one signal arrives on fd and returns it.
// signalfd_siginfo's first field (ssi_signo) is read directly off the
// wire as little-endian, true for every architecture this daemon
// targets (amd64, arm64).
func ReadSignal(fd int) (unix.Signal, error) {
	buf := make([]byte, unix.SizeofSignalfdSiginfo)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("nsutil: read signalfd: %w", err)
	}
	if n < unix.SizeofSignalfdSiginfo {
		return 0, fmt.Errorf("nsutil: short signalfd read (%d bytes)", n)
	}
	return unix.Signal(binary.LittleEndian.Uint32(buf[0:4])), nil
}
