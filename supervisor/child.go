package supervisor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/m46e/m46ed/command"
	"github.com/m46e/m46ed/device"
	"github.com/m46e/m46ed/internal/config"
	"github.com/m46e/m46ed/internal/mlog"
	"github.com/m46e/m46ed/internal/stats"
	mnetlink "github.com/m46e/m46ed/netlink"
	"github.com/m46e/m46ed/nsutil"
)

// Child is the stub-namespace half of the daemon, reconstructed from
// inherited fds after the re-exec Parent.Spawn performed.
type Child struct {
	Cfg *config.Snapshot
	Log *mlog.Logger

	Internal *command.InternalConn
	Stats    *stats.Shared

	StubDevices []*device.Device
}

// AdoptChild builds a Child from the fds this process inherited at
// extraFDBase and extraFDBase+1 (ExtraFiles[0] and [1] in the parent).
// Must run before any other namespace setup: neither wrapper
// duplicates the fd, so this just gives Go-side handles to what exec
// already carried across.
func AdoptChild(cfg *config.Snapshot, log *mlog.Logger) (*Child, error) {
	internalFd := extraFDBase + internalFDIndex
	statsFd := extraFDBase + statsFDIndex

	internal := command.NewInternalConn(internalFd)
	shared, err := stats.OpenSharedFd(statsFd)
	if err != nil {
		return nil, fmt.Errorf("supervisor: child adopt stats fd: %w", err)
	}
	return &Child{Cfg: cfg, Log: log, Internal: internal, Stats: shared}, nil
}

// Init performs the child-side namespace setup needed immediately
// after clone: restore a full signal mask (the child gets its own
// signalfd independent of the parent's), detach from the parent's
// session, arrange to die if the parent dies first, and remount /proc
// so it reflects the new PID namespace.
func (c *Child) Init() (signalFD int, err error) {
	mask := nsutil.BlockAllExcept()
	if err := nsutil.BlockSignals(mask); err != nil {
		return -1, err
	}
	fd, err := nsutil.OpenSignalFD(mask)
	if err != nil {
		return -1, err
	}
	if err := nsutil.SetParentDeathSignal(unix.SIGKILL); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		unix.Close(fd)
		return -1, fmt.Errorf("supervisor: setsid: %w", err)
	}
	if err := nsutil.RemountProc(); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := nsutil.SetHostname(c.Cfg.PlaneName + "-stub"); err != nil {
		c.Log.Warning("sethostname: " + err.Error())
	}
	return fd, nil
}

// SetupStubDevices opens the configured stub TAP devices via the
// device package, now that the child has its own network namespace,
// and returns their fds for handing to the parent during the
// handshake.
func (c *Child) SetupStubDevices(nl *mnetlink.Handle) ([]int, error) {
	var fds []int
	for _, rec := range c.Cfg.StubDevices {
		mtu := rec.MTU
		if mtu == 0 {
			backboneMTU := device.DefaultTunnelMTU
			if len(c.Cfg.TunnelDevices) > 0 && c.Cfg.TunnelDevices[0].MTU != 0 {
				backboneMTU = c.Cfg.TunnelDevices[0].MTU
			}
			mtu = device.StubMTUFromBackbone(backboneMTU)
		}
		d, err := device.CreateTAP(nl, rec.Name, mtu, nil)
		if err != nil {
			return nil, fmt.Errorf("supervisor: create stub tap %s: %w", rec.Name, err)
		}
		if rec.V4Addr != "" {
			if err := device.AddAddr(nl, d, cidrOf(rec.V4Addr, rec.V4CIDR)); err != nil {
				return nil, err
			}
		}
		if err := device.Start(nl, d); err != nil {
			return nil, err
		}
		c.StubDevices = append(c.StubDevices, d)
		fds = append(fds, d.Fd)
	}
	return fds, nil
}

// Handshake runs the child side of the startup sequence: signal the
// parent that clone-side init is complete, receive the backbone fds
// the parent passes alongside NETDEV_MOVED, run configure (which opens
// this namespace's own tap-v4 stub devices and returns their fds),
// send those fds back alongside NETWORK_CONFIGURE, then wait for the
// go-ahead to start serving traffic. The returned fds are what this
// namespace's TAP worker writes encapsulated frames to.
func (c *Child) Handshake(configure func() ([]int, error)) (backboneFds []int, err error) {
	if err := c.Internal.SendFrame(command.Frame{Code: command.CodeChildInitEnd}); err != nil {
		return nil, fmt.Errorf("supervisor: send CHILD_INIT_END: %w", err)
	}
	f, fds, err := c.Internal.RecvFrame()
	if err != nil {
		return nil, fmt.Errorf("supervisor: await NETDEV_MOVED: %w", err)
	}
	if f.Code != command.CodeNetdevMoved {
		return nil, fmt.Errorf("supervisor: expected NETDEV_MOVED, got %s", f.Code)
	}
	backboneFds = fds

	stubFds, err := configure()
	if err != nil {
		return nil, fmt.Errorf("supervisor: configure stub namespace: %w", err)
	}

	if err := c.Internal.SendFrame(command.Frame{Code: command.CodeNetworkConfigure}, stubFds...); err != nil {
		return nil, fmt.Errorf("supervisor: send NETWORK_CONFIGURE: %w", err)
	}
	f, _, err = c.Internal.RecvFrame()
	if err != nil {
		return nil, fmt.Errorf("supervisor: await START_OPERATION: %w", err)
	}
	if f.Code != command.CodeStartOperation {
		return nil, fmt.Errorf("supervisor: expected START_OPERATION, got %s", f.Code)
	}
	return backboneFds, nil
}

// Shutdown releases the child's owned resources. The kernel tears
// down the namespace itself once this is the last process in it.
func (c *Child) Shutdown() {
	for _, d := range c.StubDevices {
		d.Close()
	}
	if c.Internal != nil {
		c.Internal.Close()
	}
	if c.Stats != nil {
		c.Stats.Close()
	}
}
