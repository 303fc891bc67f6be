package command

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestIsInternal(t *testing.T) {
	for _, c := range []Code{CodeShowStatistic, CodeShowRoute, CodeRestart} {
		if c.IsInternal() {
			t.Fatalf("%v should not be internal", c)
		}
	}
	for _, c := range []Code{CodeChildInitEnd, CodeNetdevMoved, CodeNetworkConfigure, CodeStartOperation, CodePacketTooBig} {
		if !c.IsInternal() {
			t.Fatalf("%v should be internal", c)
		}
	}
}

func TestInternalConnSendRecvFrame(t *testing.T) {
	parent, child, err := NewInternalPair()
	if err != nil {
		t.Fatalf("NewInternalPair: %v", err)
	}
	defer parent.Close()
	defer child.Close()

	want := Frame{Code: CodeNetdevMoved, Body: []byte("hello")}
	if err := parent.SendFrame(want); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	got, fds, err := child.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if len(fds) != 0 {
		t.Fatalf("unexpected fds: %v", fds)
	}
	if got.Code != want.Code || string(got.Body) != string(want.Body) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestInternalConnPassesFds(t *testing.T) {
	parent, child, err := NewInternalPair()
	if err != nil {
		t.Fatalf("NewInternalPair: %v", err)
	}
	defer parent.Close()
	defer child.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "m46e-fd-test")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	defer tmp.Close()

	if err := parent.SendFrame(Frame{Code: CodeNetdevMoved}, int(tmp.Fd())); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	_, fds, err := child.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if len(fds) != 1 {
		t.Fatalf("got %d fds, want 1", len(fds))
	}
	defer unix.Close(fds[0])

	if _, err := unix.Write(fds[0], []byte("x")); err != nil {
		t.Fatalf("write through passed fd: %v", err)
	}
}
