package mainloop

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/m46e/m46ed/command"
	"github.com/m46e/m46ed/dataplane"
	"github.com/m46e/m46ed/internal/mlog"
	"github.com/m46e/m46ed/nsutil"
)

// ChildLoop is the stub namespace's event loop: a TAP worker per stub
// device (encapsulating toward the backbone) plus the command and
// signal goroutines.
type ChildLoop struct {
	Log         *mlog.Logger
	SignalFD    int
	Internal    *command.InternalConn
	Dispatcher  *command.Dispatcher
	DataCfg     *dataplane.Config
	StubFds     []int
	BackboneOut *os.File // write end toward the parent's backbone TAP, reached via the internal conn's passed fd
}

// Run blocks until ctx is canceled, a fatal error occurs on any
// goroutine, or SIGTERM/SIGINT arrives on the signalfd.
func (l *ChildLoop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, fd := range l.StubFds {
		fd := fd
		w := &TapWorker{
			Name: "stub",
			Fd:   fd,
			Out:  l.BackboneOut,
			Log:  l.Log,
			Transform: func(frame []byte) [][]byte {
				res := dataplane.Encapsulate(frame, l.DataCfg)
				if res.ICMPFrame != nil {
					// Fragmentation-Needed replies go back out the
					// same stub device they arrived on.
					if _, err := unix.Write(fd, res.ICMPFrame); err != nil {
						l.Log.Warning("write frag-needed reply: " + err.Error())
					}
				}
				return res.BackboneFrames
			},
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	g.Go(func() error { return l.runCommandLoop(ctx) })
	g.Go(func() error { return l.runSignalLoop(ctx) })

	return g.Wait()
}

func (l *ChildLoop) runCommandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		f, _, err := l.Internal.RecvFrame()
		if err != nil {
			return fmt.Errorf("mainloop: child command recv: %w", err)
		}
		reply := l.Dispatcher.Dispatch(f)
		if err := l.Internal.SendFrame(reply); err != nil {
			l.Log.Warning("child command reply: " + err.Error())
		}
	}
}

func (l *ChildLoop) runSignalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		sig, err := nsutil.ReadSignal(l.SignalFD)
		if err != nil {
			return fmt.Errorf("mainloop: child signal read: %w", err)
		}
		switch sig {
		case unix.SIGTERM, unix.SIGINT:
			l.Log.Info("child received " + sig.String() + ", exiting")
			return nil
		default:
			l.Log.Debug("child ignoring signal " + sig.String())
		}
	}
}
