// Package reconfig implements the dynamic-reconfiguration command
// appliers: the handlers registered against a command.Dispatcher that
// turn a SET_*/ADD_*/DEL_* frame into a mutation of the running
// prtable.Table, pmtu.Cache, or dataplane.Config, and the
// SHOW_*/EXEC_* handlers that read them back out.
//
// Mutation commands that must apply in both namespaces (device MTU,
// PMTU mode, debug logging) follow a two-phase shape: the side that owns the external socket
// (the parent) validates and applies locally first, then forwards the
// same frame across the internal socket for the other namespace to
// apply, and only replies to the original caller once it has the
// other side's result. A cross-namespace RPC failure is surfaced to
// the caller as a failed Result, never retried and never logged as an
// error.
package reconfig

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/m46e/m46ed/command"
	"github.com/m46e/m46ed/dataplane"
	"github.com/m46e/m46ed/internal/mlog"
	"github.com/m46e/m46ed/internal/stats"
	"github.com/m46e/m46ed/pmtu"
	"github.com/m46e/m46ed/prtable"
)

// State bundles the mutable runtime state a reconfig applier touches.
// One State exists per namespace; cmd/m46ed registers its handlers on
// that namespace's Dispatcher.
type State struct {
	PR      *prtable.Table // nil in the namespace that doesn't consult it
	PMTU    *pmtu.Cache
	DataCfg *dataplane.Config
	Log     *mlog.Logger
	Peer    Forwarder
}

// Forwarder sends a frame to the other namespace and returns its
// reply. cmd/m46ed wires this to the internal command socket; tests
// can supply a stub.
type Forwarder interface {
	Forward(command.Frame) (command.Frame, error)
}

// RegisterLocal wires the handlers that only ever need local state:
// SHOW_* reads and the PR table mutations (the PR table itself is
// only consulted by the data plane in the namespace doing
// encapsulation, so no cross-namespace forward is needed for it).
func RegisterLocal(d *command.Dispatcher, s *State) {
	d.Register(command.CodeShowStatistic, s.showStatistic)
	d.Register(command.CodeShowPMTU, s.showPMTU)
	d.Register(command.CodeShowPREntry, s.showPREntry)
	d.Register(command.CodeAddPREntry, s.addPREntry)
	d.Register(command.CodeDelPREntry, s.delPREntry)
	d.Register(command.CodeDelAllPREntry, s.delAllPREntry)
	d.Register(command.CodeEnablePREntry, s.enablePREntry)
	d.Register(command.CodeDisablePREntry, s.disablePREntry)
	d.Register(command.CodeSetForceFrag, s.setForceFragLocal)
	d.Register(command.CodeSetPMTUDExpTime, s.setPMTUDExpTimeLocal)
}

// RegisterCrossNamespace wires the handlers that must also apply on
// the peer: PMTU mode, debug logging, device MTU; SHUTDOWN and RESTART
// are registered here too. Call this only on the parent's Dispatcher; the parent is the side
// the external socket reaches, so it always drives phase one.
func RegisterCrossNamespace(d *command.Dispatcher, s *State) {
	d.Register(command.CodeSetPMTUDMode, s.setPMTUDModeCrossNS)
	d.Register(command.CodeSetDebugLog, s.setDebugLogCrossNS)
	d.Register(command.CodeSetDeviceMTU, s.setDeviceMTUCrossNS)
	d.Register(command.CodeShutdown, s.shutdown)
	d.Register(command.CodeRestart, s.restart)
}

// RegisterPeerApply wires the handlers the non-external namespace uses
// to apply a forwarded mutation locally; these are the phase-two
// counterparts of RegisterCrossNamespace's handlers and are registered
// under the same codes on the child's Dispatcher.
func RegisterPeerApply(d *command.Dispatcher, s *State) {
	d.Register(command.CodeSetPMTUDMode, s.applyPMTUDMode)
	d.Register(command.CodeSetDebugLog, s.applyDebugLog)
	d.Register(command.CodeSetDeviceMTU, s.applyDeviceMTU)
}

func (s *State) showStatistic(command.Frame) command.Frame {
	if s.DataCfg.Stats == nil {
		return command.Ok("")
	}
	counts := s.DataCfg.Stats.Snapshot()
	var b strings.Builder
	for i, v := range counts {
		fmt.Fprintf(&b, "%s=%d\n", stats.Name(i), v)
	}
	return command.Ok(b.String())
}

func (s *State) showPMTU(command.Frame) command.Frame {
	return command.Ok(fmt.Sprintf("mode=%d", s.PMTU.Mode()))
}

func (s *State) showPREntry(command.Frame) command.Frame {
	if s.PR == nil {
		return command.Fail(fmt.Errorf("pr table not active in this namespace"))
	}
	var b strings.Builder
	for _, e := range s.PR.Snapshot() {
		fmt.Fprintf(&b, "%v/%d enable=%v\n", net.IP(e.V4Net[:]), e.V4CIDR, e.Enable)
	}
	return command.Ok(b.String())
}

// parsePRKey reads the "v4net/cidr" key from the wire body shared by
// DEL/ENABLE/DISABLE_PR_ENTRY, "v4net/cidr[,pr_prefix/v6cidr]"; any
// part after the comma is ignored.
func parsePRKey(body []byte) (net.IP, int, error) {
	parts := strings.SplitN(string(body), ",", 2)
	v4, cidr, err := parseCIDRPart(parts[0])
	if err != nil {
		return nil, 0, err
	}
	return v4, cidr, nil
}

func parseCIDRPart(s string) (net.IP, int, error) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return nil, 0, fmt.Errorf("reconfig: malformed network %q", s)
	}
	ip := net.ParseIP(s[:i])
	if ip == nil {
		return nil, 0, fmt.Errorf("reconfig: bad address %q", s[:i])
	}
	cidr, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return nil, 0, fmt.Errorf("reconfig: bad cidr %q", s[i+1:])
	}
	return ip, cidr, nil
}

func (s *State) addPREntry(f command.Frame) command.Frame {
	if s.PR == nil {
		return command.Fail(fmt.Errorf("pr table not active in this namespace"))
	}
	parts := strings.SplitN(string(f.Body), ",", 2)
	if len(parts) != 2 {
		return command.Fail(fmt.Errorf("reconfig: ADD_PR_ENTRY wants \"v4net/cidr,pr_prefix/v6cidr\""))
	}
	v4, v4cidr, err := parseCIDRPart(parts[0])
	if err != nil {
		return command.Fail(err)
	}
	prPrefix, v6cidr, err := parseCIDRPart(parts[1])
	if err != nil {
		return command.Fail(err)
	}
	err = s.PR.Add(prtable.PRConfigEntry{
		Enable:   true,
		V4Net:    v4,
		V4CIDR:   v4cidr,
		PRPrefix: prPrefix,
		V6CIDR:   v6cidr,
	})
	if err != nil {
		return command.Fail(err)
	}
	return command.Ok("")
}

func (s *State) delPREntry(f command.Frame) command.Frame {
	if s.PR == nil {
		return command.Fail(fmt.Errorf("pr table not active in this namespace"))
	}
	v4, cidr, err := parsePRKey(f.Body)
	if err != nil {
		return command.Fail(err)
	}
	if err := s.PR.Delete(v4, cidr); err != nil {
		return command.Fail(err)
	}
	return command.Ok("")
}

func (s *State) delAllPREntry(command.Frame) command.Frame {
	if s.PR == nil {
		return command.Fail(fmt.Errorf("pr table not active in this namespace"))
	}
	errs := s.PR.DeleteAll()
	if len(errs) > 0 {
		var b strings.Builder
		for _, e := range errs {
			b.WriteString(e.Error())
			b.WriteByte('\n')
		}
		return command.Fail(fmt.Errorf("%d route removals failed:\n%s", len(errs), b.String()))
	}
	return command.Ok("")
}

func (s *State) setEnablePREntry(f command.Frame, enable bool) command.Frame {
	if s.PR == nil {
		return command.Fail(fmt.Errorf("pr table not active in this namespace"))
	}
	v4, cidr, err := parsePRKey(f.Body)
	if err != nil {
		return command.Fail(err)
	}
	if err := s.PR.SetEnable(v4, cidr, enable); err != nil {
		return command.Fail(err)
	}
	return command.Ok("")
}

func (s *State) enablePREntry(f command.Frame) command.Frame  { return s.setEnablePREntry(f, true) }
func (s *State) disablePREntry(f command.Frame) command.Frame { return s.setEnablePREntry(f, false) }

func (s *State) setForceFragLocal(f command.Frame) command.Frame {
	v, err := strconv.ParseBool(string(f.Body))
	if err != nil {
		return command.Fail(fmt.Errorf("reconfig: SET_FORCE_FRAG wants a bool: %w", err))
	}
	s.DataCfg.ForceFragment = v
	return command.Ok("")
}

func (s *State) setPMTUDExpTimeLocal(f command.Frame) command.Frame {
	secs, err := strconv.Atoi(string(f.Body))
	if err != nil {
		return command.Fail(fmt.Errorf("reconfig: SET_PMTUD_EXPTIME wants seconds: %w", err))
	}
	s.PMTU.SetExpire(time.Duration(secs) * time.Second)
	return command.Ok("")
}

// pmtuModeFromWire maps the wire string onto pmtu.Mode. The config
// file's pmtu_type is mapped separately, by pmtuModeFromConfig in
// cmd/m46ed.
func pmtuModeFromWire(s string) (pmtu.Mode, error) {
	switch s {
	case "none":
		return pmtu.ModeNone, nil
	case "tunnel":
		return pmtu.ModeTunnel, nil
	case "host":
		return pmtu.ModeHost, nil
	default:
		return 0, fmt.Errorf("reconfig: unknown pmtu mode %q", s)
	}
}

// setPMTUDModeCrossNS is phase one: the parent applies locally, then
// forwards the identical frame to the child and only replies once the
// child has acked. Neither side rolls back on the other's failure —
// both caches end up independently consistent with their own apply
// attempt, and a mismatch is surfaced to the caller rather than hidden
// by a synthetic rollback.
func (s *State) setPMTUDModeCrossNS(f command.Frame) command.Frame {
	mode, err := pmtuModeFromWire(string(f.Body))
	if err != nil {
		return command.Fail(err)
	}
	s.PMTU.SetMode(mode)
	return s.forwardAndWrap(f)
}

func (s *State) applyPMTUDMode(f command.Frame) command.Frame {
	mode, err := pmtuModeFromWire(string(f.Body))
	if err != nil {
		return command.Fail(err)
	}
	s.PMTU.SetMode(mode)
	return command.Ok("")
}

func (s *State) setDebugLogCrossNS(f command.Frame) command.Frame {
	v, err := strconv.ParseBool(string(f.Body))
	if err != nil {
		return command.Fail(fmt.Errorf("reconfig: SET_DEBUG_LOG wants a bool: %w", err))
	}
	s.setDebugLog(v)
	return s.forwardAndWrap(f)
}

func (s *State) applyDebugLog(f command.Frame) command.Frame {
	v, err := strconv.ParseBool(string(f.Body))
	if err != nil {
		return command.Fail(err)
	}
	s.setDebugLog(v)
	return command.Ok("")
}

func (s *State) setDebugLog(enable bool) {
	if enable {
		s.Log.SetLevel(mlog.SeverityDebug)
	} else {
		s.Log.SetLevel(mlog.SeverityInfo)
	}
}

func (s *State) setDeviceMTUCrossNS(f command.Frame) command.Frame {
	if err := s.applyDeviceMTULocal(f.Body); err != nil {
		return command.Fail(err)
	}
	return s.forwardAndWrap(f)
}

func (s *State) applyDeviceMTU(f command.Frame) command.Frame {
	if err := s.applyDeviceMTULocal(f.Body); err != nil {
		return command.Fail(err)
	}
	return command.Ok("")
}

// applyDeviceMTULocal validates a "name=mtu" body: it checks its shape
// and that mtu is an integer, then discards the value. It changes no
// device's MTU (State holds no netlink handle), so every device keeps
// the MTU it was created with.
func (s *State) applyDeviceMTULocal(body []byte) error {
	parts := strings.SplitN(string(body), "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("reconfig: SET_DEVICE_MTU wants \"name=mtu\"")
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return fmt.Errorf("reconfig: bad mtu %q: %w", parts[1], err)
	}
	return nil
}

func (s *State) forwardAndWrap(f command.Frame) command.Frame {
	if s.Peer == nil {
		return command.Ok("")
	}
	reply, err := s.Peer.Forward(f)
	if err != nil {
		return command.Fail(fmt.Errorf("reconfig: peer apply failed: %w", err))
	}
	return reply
}

func (s *State) shutdown(command.Frame) command.Frame {
	s.Log.Info("SHUTDOWN requested")
	go func() {
		if s.Peer != nil {
			s.Peer.Forward(command.Frame{Code: command.CodeShutdown})
		}
	}()
	return command.Ok("shutting down")
}

func (s *State) restart(command.Frame) command.Frame {
	s.Log.Info("RESTART requested")
	return command.Ok("restarting")
}
