package reconfig

import (
	"testing"

	"github.com/m46e/m46ed/command"
	"github.com/m46e/m46ed/dataplane"
	"github.com/m46e/m46ed/internal/mlog"
	"github.com/m46e/m46ed/internal/stats"
	"github.com/m46e/m46ed/pmtu"
	"github.com/m46e/m46ed/prtable"
)

func newState(t *testing.T) *State {
	t.Helper()
	return &State{
		PR:      prtable.New(0, nil),
		PMTU:    pmtu.New(pmtu.ModeHost, 1500, 0),
		DataCfg: &dataplane.Config{Stats: stats.New()},
		Log:     mlog.New("test"),
	}
}

func mustOK(t *testing.T, f command.Frame) command.Result {
	t.Helper()
	r, err := command.UnmarshalResult(f.Body)
	if err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !r.OK {
		t.Fatalf("want OK reply, got failure: %s", r.Message)
	}
	return r
}

func mustFail(t *testing.T, f command.Frame) command.Result {
	t.Helper()
	r, err := command.UnmarshalResult(f.Body)
	if err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if r.OK {
		t.Fatalf("want failure reply, got OK: %s", r.Message)
	}
	return r
}

func TestAddPREntryThenShowPREntry(t *testing.T) {
	s := newState(t)
	mustOK(t, s.addPREntry(command.Frame{Body: []byte("10.0.0.0/8,2001:db8:aa::/96")}))

	reply := s.showPREntry(command.Frame{})
	result := mustOK(t, reply)
	if result.Message == "" {
		t.Fatalf("expected non-empty pr entry listing")
	}
}

func TestAddPREntryMalformedBody(t *testing.T) {
	s := newState(t)
	mustFail(t, s.addPREntry(command.Frame{Body: []byte("not-a-valid-body")}))
}

func TestDelPREntryNotFound(t *testing.T) {
	s := newState(t)
	mustFail(t, s.delPREntry(command.Frame{Body: []byte("10.0.0.0/8")}))
}

func TestEnableDisablePREntryRoundTrip(t *testing.T) {
	s := newState(t)
	mustOK(t, s.addPREntry(command.Frame{Body: []byte("10.0.0.0/8,2001:db8:aa::/96")}))
	mustOK(t, s.disablePREntry(command.Frame{Body: []byte("10.0.0.0/8")}))
	mustOK(t, s.enablePREntry(command.Frame{Body: []byte("10.0.0.0/8")}))
}

func TestSetForceFragLocal(t *testing.T) {
	s := newState(t)
	mustOK(t, s.setForceFragLocal(command.Frame{Body: []byte("true")}))
	if !s.DataCfg.ForceFragment {
		t.Fatalf("ForceFragment not applied")
	}
	mustFail(t, s.setForceFragLocal(command.Frame{Body: []byte("not-a-bool")}))
}

func TestSetPMTUDExpTimeLocalAcceptsSeconds(t *testing.T) {
	s := newState(t)
	mustOK(t, s.setPMTUDExpTimeLocal(command.Frame{Body: []byte("500")}))
}

type stubForwarder struct {
	calls  int
	reply  command.Frame
	lastIn command.Frame
}

func (f *stubForwarder) Forward(frame command.Frame) (command.Frame, error) {
	f.calls++
	f.lastIn = frame
	return f.reply, nil
}

func TestSetPMTUDModeCrossNSForwardsToPeer(t *testing.T) {
	s := newState(t)
	fwd := &stubForwarder{reply: command.Ok("")}
	s.Peer = fwd

	mustOK(t, s.setPMTUDModeCrossNS(command.Frame{Body: []byte("tunnel")}))
	if fwd.calls != 1 {
		t.Fatalf("forward calls = %d, want 1", fwd.calls)
	}
	if s.PMTU.Mode() != pmtu.ModeTunnel {
		t.Fatalf("local mode not applied before forwarding")
	}
}

func TestSetPMTUDModeCrossNSRejectsUnknownMode(t *testing.T) {
	s := newState(t)
	s.Peer = &stubForwarder{reply: command.Ok("")}
	mustFail(t, s.setPMTUDModeCrossNS(command.Frame{Body: []byte("bogus")}))
}

func TestShowStatisticListsCounters(t *testing.T) {
	s := newState(t)
	s.DataCfg.Stats.Incr(stats.UnicastForwarded)
	result := mustOK(t, s.showStatistic(command.Frame{}))
	if result.Message == "" {
		t.Fatalf("expected counter listing")
	}
}

func TestApplyDeviceMTURejectsMalformedBody(t *testing.T) {
	s := newState(t)
	mustFail(t, s.applyDeviceMTU(command.Frame{Body: []byte("no-equals-sign")}))
	mustFail(t, s.applyDeviceMTU(command.Frame{Body: []byte("eth0=not-a-number")}))
	mustOK(t, s.applyDeviceMTU(command.Frame{Body: []byte("eth0=1400")}))
}
