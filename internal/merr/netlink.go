package merr

import (
	"errors"
	"syscall"
)

// isIgnorable implements the non-fatal netlink errno policy: EEXIST on
// add and ESRCH on delete are logged at INFO and treated as success.
func isIgnorable(err error, isDelete bool) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	if isDelete {
		return errno == syscall.ESRCH
	}
	return errno == syscall.EEXIST
}
