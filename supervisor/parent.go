// Package supervisor orchestrates the two-process, dual-namespace
// topology: the parent owns the backbone (IPv6) side and spawns the
// child into a fresh net/uts/pid/mount namespace set to own the stub
// (IPv4) side, joined by the internal command socket and a shared
// statistics region.
//
// The child is created by re-executing this same binary (os/exec with
// SysProcAttr.Cloneflags) rather than a raw clone(2) syscall: Go's
// runtime runs many OS threads, and a bare clone/fork that does not
// immediately exec leaves every thread but the caller's missing in
// the child, which corrupts the Go scheduler. os/exec performs the
// clone+exec pair itself before any Go code resumes in the child,
// which is the same technique runc/containerd use to create
// namespaced children from a multi-threaded process. The spawned
// process re-enters cmd/m46ed with an internal marker argument so it
// takes the child path of main() instead of the parent path.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/m46e/m46ed/command"
	"github.com/m46e/m46ed/device"
	"github.com/m46e/m46ed/internal/config"
	"github.com/m46e/m46ed/internal/mlog"
	"github.com/m46e/m46ed/internal/stats"
	mnetlink "github.com/m46e/m46ed/netlink"
)

// ChildMarker is the argv[1] value that tells a re-exec'd process to
// run as the child half instead of parsing a config file as parent.
const ChildMarker = "--m46e-child"

// internalFDIndex / statsFDIndex are the ExtraFiles slots the child
// finds its inherited fds at (fd 3 and 4 respectively, since stdin/
// stdout/stderr occupy 0-2).
const (
	internalFDIndex = 0
	statsFDIndex    = 1
	extraFDBase     = 3
)

// Parent is the backbone-namespace half of the daemon.
type Parent struct {
	Cfg *config.Snapshot
	Log *mlog.Logger
	NL  *mnetlink.Handle

	Internal *command.InternalConn
	External *command.ExternalListener
	Stats    *stats.Shared

	Backbones []*device.Device // macvlan or physical devices carrying IPv6

	cmd         *exec.Cmd
	restartFlag bool
}

// NewParent opens a netlink handle and the external CLI listener; it
// does not yet create any device or spawn the child.
func NewParent(cfg *config.Snapshot, log *mlog.Logger) (*Parent, error) {
	nl, err := mnetlink.Open()
	if err != nil {
		return nil, fmt.Errorf("supervisor: open netlink: %w", err)
	}
	ext, err := command.ListenExternal(cfg.PlaneName)
	if err != nil {
		nl.Close()
		return nil, fmt.Errorf("supervisor: listen external: %w", err)
	}
	return &Parent{Cfg: cfg, Log: log, NL: nl, External: ext}, nil
}

// SetupBackbone creates the configured backbone device(s): a macvlan
// over a physical parent (with the optional locally-administered-MAC
// workaround) or a pre-existing physical interface taken under
// management directly. Neither kind has a TUN/TAP fd the way a stub
// TAP does, so each gets an AF_PACKET capture socket bound to it: the
// parent's TAP worker reads and decapsulates frames from it, and the
// child, which receives the fd at handshake, writes encapsulated
// frames to it.
func (p *Parent) SetupBackbone() error {
	for _, rec := range p.Cfg.TunnelDevices {
		var d *device.Device
		switch rec.Kind {
		case config.DeviceMacvlan:
			parentLink, err := p.NL.LinkByName(rec.ParentName)
			if err != nil {
				return err
			}
			restore, err := device.EnsureLocallyAdministeredMAC(p.NL, &device.Device{Name: rec.ParentName}, p.Cfg.Flags.RouteSync)
			if err != nil {
				return err
			}
			defer restore()
			template := device.TemplateName("m46e")
			d, err = device.CreateMacvlan(p.NL, template, parentLink.Attrs().Index, mnetlink.MacvlanMode(rec.MacvlanMode))
			if err != nil {
				return err
			}
			if err := device.RenameAfterMigration(p.NL, template, rec.Name); err != nil {
				return err
			}
			d.Name = rec.Name
			if err := device.Start(p.NL, d); err != nil {
				return err
			}
			link, err := p.NL.LinkByName(d.Name)
			if err != nil {
				return err
			}
			d.Ifindex = link.Attrs().Index
		case config.DevicePhysical:
			link, err := p.NL.LinkByName(rec.Name)
			if err != nil {
				return err
			}
			d = &device.Device{Kind: device.KindPhysical, Name: rec.Name, Ifindex: link.Attrs().Index}
		default:
			return fmt.Errorf("supervisor: unsupported backbone device kind %q", rec.Kind)
		}
		if rec.V6Addr != "" {
			if err := device.AddAddr(p.NL, d, cidrOf(rec.V6Addr, rec.V6CIDR)); err != nil {
				return err
			}
		}
		if err := device.OpenPacketCapture(d); err != nil {
			return err
		}
		p.Backbones = append(p.Backbones, d)
	}
	return nil
}

// BackboneFds returns the packet-capture fds of every configured
// backbone device, passed to the child at handshake time.
func (p *Parent) BackboneFds() []int {
	fds := make([]int, len(p.Backbones))
	for i, d := range p.Backbones {
		fds[i] = d.Fd
	}
	return fds
}

func cidrOf(addr string, cidr int) string {
	return fmt.Sprintf("%s/%d", addr, cidr)
}

// Spawn creates the internal socketpair and shared-stats memfd, then
// re-execs this binary with ChildMarker to create the child in its own
// net/uts/pid/mount namespace set. configPath is reforwarded so the
// child can load the same configuration snapshot independently: the
// two processes don't share memory, only the fds named here.
func (p *Parent) Spawn(configPath string) error {
	internalParent, internalChild, err := command.NewInternalPair()
	if err != nil {
		return err
	}
	shared, err := stats.NewShared()
	if err != nil {
		internalParent.Close()
		internalChild.Close()
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("supervisor: resolve self: %w", err)
	}

	cmd := exec.Command(self, ChildMarker, configPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{
		os.NewFile(uintptr(internalChild.Fd()), "m46e-internal"),
		os.NewFile(uintptr(shared.Fd()), "m46e-stats"),
	}
	cmd.SysProcAttr = &unix.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNET | unix.CLONE_NEWUTS | unix.CLONE_NEWPID | unix.CLONE_NEWNS,
		Pdeathsig:  unix.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		internalParent.Close()
		shared.Close()
		return fmt.Errorf("supervisor: spawn child: %w", err)
	}
	// The child's ends of these fds were duplicated into its own
	// table by exec; the parent's copies of the child-bound fds are
	// no longer needed here.
	internalChild.Close()

	p.cmd = cmd
	p.Internal = internalParent
	p.Stats = shared
	return nil
}

// Pid returns the child's PID, valid once Spawn has returned nil.
func (p *Parent) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// RequestRestart marks the next SIGCHLD-driven exit as a restart: the
// parent re-execs argv[0] instead of shutting down. Set by the
// reconfig RESTART applier.
func (p *Parent) RequestRestart() { p.restartFlag = true }

func (p *Parent) RestartRequested() bool { return p.restartFlag }

// Wait blocks for the child to exit and returns its error, mirroring
// waitpid(2) in the original.
func (p *Parent) Wait() error {
	return p.cmd.Wait()
}

// Forward relays a signal to the child, used by the parent's main loop
// signal-forwarding policy (forward everything except SIGCHLD, which
// the loop handles itself).
func (p *Parent) Forward(sig unix.Signal) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("supervisor: no child to signal")
	}
	return p.cmd.Process.Signal(sig)
}

// Restart execs argv[0] in place, replacing the parent process image.
// Used when a SIGCHLD arrives while RestartRequested is true.
func (p *Parent) Restart(argv []string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	p.Log.Info("restarting: execv " + self)
	return unix.Exec(self, argv, os.Environ())
}

// Shutdown tears down owned resources. It does not kill the child
// directly: PR_SET_PDEATHSIG on the child already guarantees it dies
// when the parent does.
func (p *Parent) Shutdown() {
	for _, d := range p.Backbones {
		d.Close()
	}
	if p.Internal != nil {
		p.Internal.Close()
	}
	if p.External != nil {
		p.External.Close()
	}
	if p.Stats != nil {
		p.Stats.Close()
	}
	if p.NL != nil {
		p.NL.Close()
	}
}
