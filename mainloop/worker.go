// Package mainloop wires the dataplane, command, and signal-handling
// packages into the per-namespace event loop: one goroutine blocked on
// each TAP fd and one on the signalfd in both namespaces, plus one on
// the internal command socket (child only) or on the external CLI
// listener (parent only), all under a single errgroup.Group
// cancellation scope per namespace. This is the idiomatic Go reshaping of the original's
// single-threaded select(2) loop: one goroutine per readiness source
// instead of one thread multiplexing all of them, coordinated by
// context cancellation instead of a shared fd_set.
package mainloop

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/m46e/m46ed/internal/mlog"
)

// tapFrameBuf is sized for the largest frame this daemon ever
// constructs: a full-size Ethernet frame carrying a maximum-MTU inner
// packet plus the outer IPv6 header.
const tapFrameBuf = 65536

// TapWorker continuously reads frames from a TAP fd, calls transform,
// and writes every frame transform returns to out. It owns no retry
// policy beyond what read/write already provide: a read interrupted
// by EINTR or EAGAIN is retried silently, any other read error ends
// Run, and a failed write is logged and the loop continues, since a
// single dropped frame must never take down the whole data plane.
type TapWorker struct {
	Name      string
	Fd        int
	Out       *os.File
	Log       *mlog.Logger
	Transform func(frame []byte) [][]byte
}

// Run blocks until ctx is canceled or the TAP fd returns a
// non-transient error.
func (w *TapWorker) Run(ctx context.Context) error {
	buf := make([]byte, tapFrameBuf)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.Read(w.Fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return fmt.Errorf("mainloop: read %s: %w", w.Name, err)
		}
		frame := append([]byte(nil), buf[:n]...)
		for _, out := range w.Transform(frame) {
			if _, err := w.Out.Write(out); err != nil {
				w.Log.Warning(fmt.Sprintf("%s: write: %v", w.Name, err))
			}
		}
	}
}
