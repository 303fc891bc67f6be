// Command m46ed is the dual-namespace IPv4-in-IPv6 tunneling daemon.
// Invoked normally it parses a TOML config file and runs the parent
// (backbone) half, spawning a re-exec'd copy of itself as the child
// (stub) half. Invoked with supervisor.ChildMarker as argv[1] it skips
// straight to the child half instead: that invocation only ever comes
// from Parent.Spawn, never from a terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/m46e/m46ed/addrmap"
	"github.com/m46e/m46ed/command"
	"github.com/m46e/m46ed/dataplane"
	"github.com/m46e/m46ed/device"
	"github.com/m46e/m46ed/internal/config"
	"github.com/m46e/m46ed/internal/mlog"
	"github.com/m46e/m46ed/mainloop"
	mnetlink "github.com/m46e/m46ed/netlink"
	"github.com/m46e/m46ed/nsutil"
	"github.com/m46e/m46ed/pmtu"
	"github.com/m46e/m46ed/prtable"
	"github.com/m46e/m46ed/reconfig"
	"github.com/m46e/m46ed/supervisor"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == supervisor.ChildMarker {
		if len(os.Args) < 3 {
			log.Fatal("m46ed: child invocation missing config path")
		}
		runChild(os.Args[2])
		return
	}
	runParent()
}

func runParent() {
	var configPath string
	flag.StringVar(&configPath, "f", "", "path to the plane's TOML configuration file")
	flag.StringVar(&configPath, "file", "", "path to the plane's TOML configuration file (alias of -f)")
	flag.Parse()
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "m46ed: -f config.toml is required")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("m46ed: %v", err)
	}

	lg := mlog.New("parent")
	if cfg.Flags.DebugLog {
		lg.SetLevel(mlog.SeverityDebug)
	}

	mask := nsutil.BlockAllExcept()
	if err := nsutil.BlockSignals(mask); err != nil {
		log.Fatalf("m46ed: block signals: %v", err)
	}
	signalFD, err := nsutil.OpenSignalFD(mask)
	if err != nil {
		log.Fatalf("m46ed: open signalfd: %v", err)
	}

	p, err := supervisor.NewParent(cfg, lg)
	if err != nil {
		log.Fatalf("m46ed: %v", err)
	}
	defer p.Shutdown()

	if err := p.SetupBackbone(); err != nil {
		log.Fatalf("m46ed: setup backbone: %v", err)
	}

	if err := p.Spawn(configPath); err != nil {
		log.Fatalf("m46ed: spawn child: %v", err)
	}

	stubFds, err := p.RunHandshake(nil, p.BackboneFds())
	if err != nil {
		log.Fatalf("m46ed: handshake: %v", err)
	}

	planeID, err := cfg.ParsePlaneID()
	if err != nil {
		log.Fatalf("m46ed: %v", err)
	}

	var prTable *prtable.Table
	if cfg.TunnelMode == config.ModePR {
		prTable = prtable.New(planeID, nil)
		for _, e := range cfg.PREntries {
			if err := prTable.Add(toPRConfigEntry(e)); err != nil {
				log.Fatalf("m46ed: pr_entry %s/%d: %v", e.V4Net, e.V4CIDR, err)
			}
		}
	}

	tunnelMTU := device.DefaultTunnelMTU
	if len(cfg.TunnelDevices) > 0 && cfg.TunnelDevices[0].MTU != 0 {
		tunnelMTU = cfg.TunnelDevices[0].MTU
	}
	pmtuMode, err := pmtuModeFromConfig(cfg.PMTUType)
	if err != nil {
		log.Fatalf("m46ed: %v", err)
	}
	cache := pmtu.New(pmtuMode, tunnelMTU, time.Duration(cfg.PMTUExpireTime)*time.Second)
	defer cache.Close()

	prefixes, err := buildPrefixes(cfg)
	if err != nil {
		log.Fatalf("m46ed: %v", err)
	}

	dataCfg := &dataplane.Config{
		Mode:          addrmapMode(cfg.TunnelMode),
		Prefixes:      prefixes,
		PR:            prTable,
		PMTU:          cache,
		Stats:         p.Stats.Block(),
		ForceFragment: cfg.Flags.ForceFragment,
	}
	if len(p.Backbones) > 0 {
		dataCfg.BackboneMAC = macOf(p.Backbones[0].MAC)
	}

	disp := command.NewDispatcher()
	rc := &reconfig.State{PR: prTable, PMTU: cache, DataCfg: dataCfg, Log: lg, Peer: newInternalForwarder(p.Internal)}
	reconfig.RegisterLocal(disp, rc)
	reconfig.RegisterCrossNamespace(disp, rc)

	loop := &mainloop.ParentLoop{
		Log:         lg,
		SignalFD:    signalFD,
		External:    p.External,
		Dispatcher:  disp,
		DataCfg:     dataCfg,
		BackboneFds: p.BackboneFds(),
		StubOut:     os.NewFile(uintptr(firstFd(stubFds)), "m46e-stub-out"),
		Forward:     p.Forward,
		OnChildExit: func() bool { return p.RestartRequested() },
		Restart:     func() error { return p.Restart(os.Args) },
	}

	if err := loop.Run(context.Background()); err != nil {
		lg.Error(err.Error())
	}
}

func runChild(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("m46ed: child config: %v", err)
	}

	lg := mlog.New("child")
	if cfg.Flags.DebugLog {
		lg.SetLevel(mlog.SeverityDebug)
	}

	c, err := supervisor.AdoptChild(cfg, lg)
	if err != nil {
		log.Fatalf("m46ed: adopt child: %v", err)
	}
	defer c.Shutdown()

	signalFD, err := c.Init()
	if err != nil {
		log.Fatalf("m46ed: child init: %v", err)
	}

	nl, err := mnetlink.Open()
	if err != nil {
		log.Fatalf("m46ed: child netlink: %v", err)
	}
	defer nl.Close()

	var stubFds []int
	backboneFds, err := c.Handshake(func() ([]int, error) {
		fds, err := c.SetupStubDevices(nl)
		stubFds = fds
		return fds, err
	})
	if err != nil {
		log.Fatalf("m46ed: child handshake: %v", err)
	}

	prefixes, err := buildPrefixes(cfg)
	if err != nil {
		log.Fatalf("m46ed: %v", err)
	}
	pmtuMode, err := pmtuModeFromConfig(cfg.PMTUType)
	if err != nil {
		log.Fatalf("m46ed: %v", err)
	}
	tunnelMTU := device.DefaultTunnelMTU
	if len(cfg.TunnelDevices) > 0 && cfg.TunnelDevices[0].MTU != 0 {
		tunnelMTU = cfg.TunnelDevices[0].MTU
	}
	cache := pmtu.New(pmtuMode, tunnelMTU, time.Duration(cfg.PMTUExpireTime)*time.Second)
	defer cache.Close()

	dataCfg := &dataplane.Config{
		Mode:          addrmapMode(cfg.TunnelMode),
		Prefixes:      prefixes,
		PMTU:          cache,
		Stats:         c.Stats.Block(),
		ForceFragment: cfg.Flags.ForceFragment,
	}
	if len(c.StubDevices) > 0 {
		dataCfg.StubMAC = macOf(c.StubDevices[0].MAC)
	}
	if len(cfg.StubDevices) > 0 {
		if ip := net.ParseIP(cfg.StubDevices[0].V4Addr).To4(); ip != nil {
			copy(dataCfg.StubIPv4[:], ip)
		}
	}

	disp := command.NewDispatcher()
	rc := &reconfig.State{PMTU: cache, DataCfg: dataCfg, Log: lg, Peer: newInternalForwarder(c.Internal)}
	reconfig.RegisterLocal(disp, rc)
	reconfig.RegisterPeerApply(disp, rc)

	loop := &mainloop.ChildLoop{
		Log:         lg,
		SignalFD:    signalFD,
		Internal:    c.Internal,
		Dispatcher:  disp,
		DataCfg:     dataCfg,
		StubFds:     stubFds,
		BackboneOut: os.NewFile(uintptr(firstFd(backboneFds)), "m46e-backbone-out"),
	}

	if err := loop.Run(context.Background()); err != nil {
		lg.Error(err.Error())
	}
}

func firstFd(fds []int) int {
	if len(fds) == 0 {
		return -1
	}
	return fds[0]
}

func macOf(hw net.HardwareAddr) [6]byte {
	var out [6]byte
	copy(out[:], hw)
	return out
}

func addrmapMode(m config.Mode) addrmap.Mode {
	switch m {
	case config.ModeAS:
		return addrmap.ModeAS
	case config.ModePR:
		return addrmap.ModePR
	default:
		return addrmap.ModeNormal
	}
}

func pmtuModeFromConfig(t config.PMTUType) (pmtu.Mode, error) {
	switch t {
	case config.PMTUNone:
		return pmtu.ModeNone, nil
	case config.PMTUTunnel:
		return pmtu.ModeTunnel, nil
	case config.PMTUHost, "":
		return pmtu.ModeHost, nil
	default:
		return 0, fmt.Errorf("unknown pmtu_type %q", t)
	}
}

func toPRConfigEntry(e config.PRConfigEntry) prtable.PRConfigEntry {
	return prtable.PRConfigEntry{
		Enable:   e.Enable,
		V4Net:    net.ParseIP(e.V4Net),
		V4CIDR:   e.V4CIDR,
		PRPrefix: net.ParseIP(e.PRPrefix),
		V6CIDR:   e.V6CIDR,
	}
}

func buildPrefixes(cfg *config.Snapshot) (addrmap.Prefixes, error) {
	var out addrmap.Prefixes
	var err error
	if out.Unicast, err = parsePrefix(cfg.UnicastPrefix, cfg.UnicastPrefixLen); err != nil {
		return out, err
	}
	if cfg.TunnelMode == config.ModePR {
		if out.SrcUnicast, err = parsePrefix(cfg.SrcAddrUnicastPrefix, cfg.SrcAddrUnicastPrefixLen); err != nil {
			return out, err
		}
	} else {
		if out.Multicast, err = parsePrefix(cfg.MulticastPrefix, cfg.MulticastPrefixLen); err != nil {
			return out, err
		}
	}
	return out, nil
}

func parsePrefix(addr string, bits int) (addrmap.Prefix, error) {
	if addr == "" {
		return addrmap.Prefix{}, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return addrmap.Prefix{}, fmt.Errorf("invalid prefix address %q", addr)
	}
	v6 := ip.To16()
	var p addrmap.Prefix
	copy(p.Bytes[:], v6)
	p.Bits = bits
	return p, nil
}

// internalForwarder adapts command.InternalConn to reconfig.Forwarder.
// Two cross-namespace mutations arriving from concurrent external
// connections must not interleave their request/reply pair on the one
// shared socketpair, so every Forward call holds mu for its full
// round trip.
type internalForwarder struct {
	conn *command.InternalConn
	mu   *sync.Mutex
}

func newInternalForwarder(conn *command.InternalConn) internalForwarder {
	return internalForwarder{conn: conn, mu: &sync.Mutex{}}
}

func (f internalForwarder) Forward(frame command.Frame) (command.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.SendFrame(frame); err != nil {
		return command.Frame{}, err
	}
	reply, _, err := f.conn.RecvFrame()
	if err != nil {
		return command.Frame{}, err
	}
	return reply, nil
}
