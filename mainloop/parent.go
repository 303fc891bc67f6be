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

// ParentLoop is the backbone namespace's event loop: a TAP worker per
// backbone device (decapsulating toward the stub side), the external
// CLI listener (whose cross-namespace mutations reach the child
// directly through reconfig.Forwarder, not through this loop), and the
// signal-forwarding loop.
type ParentLoop struct {
	Log         *mlog.Logger
	SignalFD    int
	External    *command.ExternalListener
	Dispatcher  *command.Dispatcher
	DataCfg     *dataplane.Config
	BackboneFds []int
	StubOut     *os.File // write end toward the child's stub TAP, reached via the fd passed at handshake

	// Forward relays a non-SIGCHLD signal to the child; OnChildExit
	// runs when SIGCHLD arrives (reap + decide whether to restart or
	// shut down).
	Forward     func(unix.Signal) error
	OnChildExit func() (shouldRestart bool)
	Restart     func() error
}

func (l *ParentLoop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, fd := range l.BackboneFds {
		fd := fd
		w := &TapWorker{
			Name: "backbone",
			Fd:   fd,
			Out:  l.StubOut,
			Log:  l.Log,
			Transform: func(frame []byte) [][]byte {
				res := dataplane.Decapsulate(frame, l.DataCfg)
				if res.PTB != nil {
					l.DataCfg.PMTU.Insert(res.PTB.Dst, res.PTB.MTU)
				}
				if res.StubFrame == nil {
					return nil
				}
				return [][]byte{res.StubFrame}
			},
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	g.Go(func() error { return l.runExternalLoop(ctx) })
	g.Go(func() error { return l.runSignalLoop(ctx) })

	return g.Wait()
}

// The parent never runs a standalone reader on Internal: in steady
// state the child never sends the parent an unsolicited command, only
// replies to the cross-namespace mutations the parent itself forwards
// via reconfig.Forwarder. Reading Internal from two goroutines at once
// would race two RecvFrame calls against each other; reconfig's
// synchronous forward-then-await owns every read after the handshake
// completes.

// runExternalLoop accepts CLI connections one at a time: the external
// socket sees occasional interactive traffic, not a data-plane rate,
// so a connection-per-accept model with no concurrency limit is
// adequate.
func (l *ParentLoop) runExternalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn, err := l.External.Accept()
		if err != nil {
			return fmt.Errorf("mainloop: external accept: %w", err)
		}
		go l.serveExternal(conn)
	}
}

func (l *ParentLoop) serveExternal(conn *command.ExternalConn) {
	defer conn.Close()
	f, cred, err := conn.RecvWithCred()
	if err != nil {
		l.Log.Warning("external recv: " + err.Error())
		return
	}
	if cred == nil {
		l.Log.Warning("external command refused: no peer credentials")
		conn.Send(command.Fail(fmt.Errorf("credentials required")))
		return
	}
	if f.Code.IsInternal() {
		conn.Send(command.Fail(fmt.Errorf("command not permitted on external socket")))
		return
	}
	reply := l.Dispatcher.Dispatch(f)
	if err := conn.Send(reply); err != nil {
		l.Log.Warning("external reply: " + err.Error())
	}
}

func (l *ParentLoop) runSignalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		sig, err := nsutil.ReadSignal(l.SignalFD)
		if err != nil {
			return fmt.Errorf("mainloop: parent signal read: %w", err)
		}
		if sig == unix.SIGCHLD {
			if l.OnChildExit != nil && l.OnChildExit() {
				if l.Restart != nil {
					return l.Restart()
				}
			}
			return nil
		}
		if l.Forward != nil {
			if err := l.Forward(sig); err != nil {
				l.Log.Warning("forward " + sig.String() + ": " + err.Error())
			}
		}
	}
}
