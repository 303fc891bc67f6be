package nsutil

import (
	"testing"

	"golang.org/x/sys/unix"
)

func isSet(set unix.Sigset_t, sig unix.Signal) bool {
	idx := int(sig) - 1
	return set.Val[idx/64]&(1<<uint(idx%64)) != 0
}

func TestBlockAllExceptClearsSynchronousFaults(t *testing.T) {
	set := BlockAllExcept()
	for _, sig := range synchronousFaults {
		if isSet(set, sig) {
			t.Fatalf("%v should be cleared from the blocked set", sig)
		}
	}
}

func TestBlockAllExceptBlocksEverythingElse(t *testing.T) {
	set := BlockAllExcept()
	for _, sig := range []unix.Signal{unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGCHLD, unix.SIGUSR1} {
		if !isSet(set, sig) {
			t.Fatalf("%v should remain blocked", sig)
		}
	}
}

func TestSignalFDRoundTrip(t *testing.T) {
	mask := BlockAllExcept()
	restore := unix.Sigset_t{}
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &mask, &restore); err != nil {
		t.Skipf("cannot set signal mask in this sandbox: %v", err)
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &restore, nil)

	fd, err := OpenSignalFD(mask)
	if err != nil {
		t.Skipf("signalfd unavailable in this sandbox: %v", err)
	}
	defer unix.Close(fd)

	if err := unix.Kill(unix.Getpid(), unix.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}
	got, err := ReadSignal(fd)
	if err != nil {
		t.Fatalf("ReadSignal: %v", err)
	}
	if got != unix.SIGUSR1 {
		t.Fatalf("got signal %v, want SIGUSR1", got)
	}
}
