package supervisor

import (
	"fmt"

	"github.com/m46e/m46ed/command"
	"github.com/m46e/m46ed/device"
)

// RunHandshake drives the parent side of the startup sequence. Any
// device that must live in the child's namespace but was created
// host-side (a macvlan stub, as opposed to the common tap-v4 case
// where the child opens /dev/net/tun itself after its own namespace
// is ready) is migrated here, between CHILD_INIT_END and
// NETDEV_MOVED.
//
// backboneFds are passed to the child alongside NETDEV_MOVED via
// SCM_RIGHTS: the child's TAP worker writes encapsulated
// backbone-bound frames directly to these fds, since the backbone
// device lives in the parent's namespace and per-packet round trips
// through the command channel would defeat the point of two
// independent TAP workers. The call returns the stub fds the child
// hands back the same way once its own devices are up; the parent's
// TAP worker writes the frames it decapsulates into them.
//
// It must run after Spawn and before the main loops start serving
// traffic.
func (p *Parent) RunHandshake(hostCreatedStubDevices []*device.Device, backboneFds []int) (stubFds []int, err error) {
	f, _, err := p.Internal.RecvFrame()
	if err != nil {
		return nil, fmt.Errorf("supervisor: await CHILD_INIT_END: %w", err)
	}
	if f.Code != command.CodeChildInitEnd {
		return nil, fmt.Errorf("supervisor: expected CHILD_INIT_END, got %s", f.Code)
	}

	for _, d := range hostCreatedStubDevices {
		if err := device.MoveToNetns(p.NL, d, p.Pid()); err != nil {
			return nil, fmt.Errorf("supervisor: move %s to child netns: %w", d.Name, err)
		}
	}
	if err := p.Internal.SendFrame(command.Frame{Code: command.CodeNetdevMoved}, backboneFds...); err != nil {
		return nil, fmt.Errorf("supervisor: send NETDEV_MOVED: %w", err)
	}

	f, fds, err := p.Internal.RecvFrame()
	if err != nil {
		return nil, fmt.Errorf("supervisor: await NETWORK_CONFIGURE: %w", err)
	}
	if f.Code != command.CodeNetworkConfigure {
		return nil, fmt.Errorf("supervisor: expected NETWORK_CONFIGURE, got %s", f.Code)
	}

	if err := p.Internal.SendFrame(command.Frame{Code: command.CodeStartOperation}); err != nil {
		return nil, fmt.Errorf("supervisor: send START_OPERATION: %w", err)
	}
	p.Log.Info("handshake complete, child operational")
	return fds, nil
}
