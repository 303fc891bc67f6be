package command

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// InternalConn is one end of the parent<->child control channel: a
// connected AF_LOCAL SOCK_DGRAM socketpair. Datagram sockets preserve
// message boundaries, so there is no length-prefixed stream framing
// on top of Frame itself.
type InternalConn struct {
	fd int
}

// NewInternalPair creates the socketpair used to hand one end to the
// parent and the other to the about-to-be-spawned child (the child's
// end travels across exec via (*exec.Cmd).ExtraFiles, not across
// clone(2) directly — see supervisor.Spawn).
func NewInternalPair() (parent, child *InternalConn, err error) {
	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("command: socketpair: %w", err)
	}
	return &InternalConn{fd: fds[0]}, &InternalConn{fd: fds[1]}, nil
}

// NewInternalConn wraps an already-open fd, used by the child after
// re-exec to adopt the inherited end by its known ExtraFiles index.
func NewInternalConn(fd int) *InternalConn { return &InternalConn{fd: fd} }

func (c *InternalConn) Fd() int { return c.fd }

func (c *InternalConn) Close() error { return unix.Close(c.fd) }

// SendFrame writes f as one datagram, optionally passing fds alongside
// it via SCM_RIGHTS (used for handing the shared-stats memfd and TAP
// fds across during the startup handshake).
func (c *InternalConn) SendFrame(f Frame, fds ...int) error {
	b := f.Marshal()
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	return unix.Sendmsg(c.fd, b, oob, nil, 0)
}

// RecvFrame reads one datagram and decodes both the Frame and any
// fds passed alongside it.
func (c *InternalConn) RecvFrame() (Frame, []int, error) {
	buf := make([]byte, MaxFrameLen)
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("command: recvmsg: %w", err)
	}
	frame, err := Unmarshal(buf[:n])
	if err != nil {
		return Frame{}, nil, err
	}
	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, cm := range cmsgs {
				if got, err := unix.ParseUnixRights(&cm); err == nil {
					fds = append(fds, got...)
				}
			}
		}
	}
	return frame, fds, nil
}
