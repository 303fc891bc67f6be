package nsutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// RemountProc detaches the mount namespace from the parent's and
// remounts /proc so it reflects the freshly created PID namespace
// rather than the host's. Required on every kernel: without a private
// mount namespace, CLONE_NEWNS alone does not stop the new /proc
// mount from being visible (and from clobbering) the parent's view.
func RemountProc() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("nsutil: make-rprivate /: %w", err)
	}
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return fmt.Errorf("nsutil: remount /proc: %w", err)
	}
	return nil
}

// SetParentDeathSignal arranges for the calling process to receive sig
// when its parent dies, so a killed daemon never leaves an orphaned
// child namespace running.
func SetParentDeathSignal(sig unix.Signal) error {
	if err := unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(sig), 0, 0, 0); err != nil {
		return fmt.Errorf("nsutil: prctl PR_SET_PDEATHSIG: %w", err)
	}
	return nil
}

// SetHostname sets the child's UTS namespace hostname, used so
// SHOW_CONF / diagnostic output inside the stub namespace doesn't
// just echo the backbone's hostname.
func SetHostname(name string) error {
	if err := unix.Sethostname([]byte(name)); err != nil {
		return fmt.Errorf("nsutil: sethostname: %w", err)
	}
	return nil
}
