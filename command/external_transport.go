package command

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// abstractName builds the sockaddr_un name for the external CLI
// socket: a leading NUL byte places it in the abstract namespace, so
// it needs no filesystem path and is cleaned up automatically when
// the last fd referencing it closes.
func abstractName(planeName string) string {
	return "\x00/m46e/" + planeName + "/command"
}

// ExternalListener is the CLI-facing SOCK_SEQPACKET socket. SO_PASSCRED
// is enabled so every accepted connection can have its peer
// credentials verified via SCM_CREDENTIALS before any command runs.
type ExternalListener struct {
	fd int
}

func ListenExternal(planeName string) (*ExternalListener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("command: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: abstractName(planeName)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("command: bind %s: %w", planeName, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("command: SO_PASSCRED: %w", err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("command: listen: %w", err)
	}
	return &ExternalListener{fd: fd}, nil
}

func (l *ExternalListener) Fd() int { return l.fd }

func (l *ExternalListener) Close() error { return unix.Close(l.fd) }

// Accept blocks for one incoming CLI connection and enables
// SO_PASSCRED on it too (credentials are delivered per-recvmsg, not
// inherited from the listening socket).
func (l *ExternalListener) Accept() (*ExternalConn, error) {
	nfd, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, fmt.Errorf("command: accept: %w", err)
	}
	if err := unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(nfd)
		return nil, fmt.Errorf("command: SO_PASSCRED on conn: %w", err)
	}
	return &ExternalConn{fd: nfd}, nil
}

// ExternalConn is one accepted CLI connection.
type ExternalConn struct {
	fd int
}

// DialExternal is the client-side half, used by m46ectl.
func DialExternal(planeName string) (*ExternalConn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("command: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: abstractName(planeName)}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("command: connect %s: %w", planeName, err)
	}
	return &ExternalConn{fd: fd}, nil
}

func (c *ExternalConn) Fd() int { return c.fd }

func (c *ExternalConn) Close() error { return unix.Close(c.fd) }

func (c *ExternalConn) Send(f Frame) error {
	return unix.Send(c.fd, f.Marshal(), 0)
}

// Recv reads one frame. The caller on the parent side is expected to
// use RecvWithCred instead, so that SHUTDOWN/mutation commands are
// gated on peer credentials before dispatch.
func (c *ExternalConn) Recv() (Frame, error) {
	f, _, err := c.RecvWithCred()
	return f, err
}

// RecvWithCred reads one frame plus the peer's SCM_CREDENTIALS. A nil
// *unix.Ucred means no credentials were attached to the datagram; the
// parent must treat that the same as an untrusted peer and refuse the
// request.
func (c *ExternalConn) RecvWithCred() (Frame, *unix.Ucred, error) {
	buf := make([]byte, MaxFrameLen)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("command: recvmsg: %w", err)
	}
	frame, err := Unmarshal(buf[:n])
	if err != nil {
		return Frame{}, nil, err
	}
	var cred *unix.Ucred
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, cm := range cmsgs {
				if cm.Header.Type == unix.SCM_CREDENTIALS && cm.Header.Level == unix.SOL_SOCKET {
					if u, err := unix.ParseUnixCredentials(&cm); err == nil {
						cred = u
					}
				}
			}
		}
	}
	return frame, cred, nil
}
