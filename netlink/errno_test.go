package netlink

import (
	"fmt"
	"syscall"
	"testing"
)

func TestIgnorable(t *testing.T) {
	cases := []struct {
		err      error
		isDelete bool
		want     bool
	}{
		{nil, false, true},
		{syscall.EEXIST, false, true},
		{syscall.EEXIST, true, false},
		{syscall.ESRCH, true, true},
		{syscall.ESRCH, false, false},
		{syscall.EINVAL, false, false},
		{fmt.Errorf("wrapped: %w", syscall.EEXIST), false, true},
	}
	for _, c := range cases {
		if got := Ignorable(c.err, c.isDelete); got != c.want {
			t.Errorf("Ignorable(%v, %v) = %v, want %v", c.err, c.isDelete, got, c.want)
		}
	}
}
