package netlink

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	unixEEXIST      = syscall.EEXIST
	unixESRCH       = syscall.ESRCH
	unixRTTableMain = unix.RT_TABLE_MAIN
	unixRTNUnicast  = unix.RTN_UNICAST
)

func asErrno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
