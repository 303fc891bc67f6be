package command

import "sync"

// Handler processes one incoming Frame and returns the reply frame
// (conventionally CodeResult). A handler has no access to the
// connection, so SHOW_* output is also returned whole in that single
// frame; no handler streams additional frames.
type Handler func(Frame) Frame

// Dispatcher maps codes to handlers. cmd/m46ed registers reconfig's
// appliers against one Dispatcher per namespace; the command package itself knows nothing about
// prtable/pmtu/config.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Code]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Code]Handler)}
}

func (d *Dispatcher) Register(c Code, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[c] = h
}

// Dispatch looks up and runs the handler for f.Code, or synthesizes a
// Result failure if none is registered.
func (d *Dispatcher) Dispatch(f Frame) Frame {
	d.mu.RLock()
	h, ok := d.handlers[f.Code]
	d.mu.RUnlock()
	if !ok {
		return Frame{Code: CodeResult, Body: Result{OK: false, Message: "unrecognized command: " + f.Code.String()}.Marshal()}
	}
	return h(f)
}
