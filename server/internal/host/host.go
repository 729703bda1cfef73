// Package host is the long-lived process every view connects to. It owns the
// frame registry, relays messages between views and fans broadcasts out.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/broadcast"
	"github.com/gaspardpetit/framecast/sdk/base/transport"
	"github.com/gaspardpetit/framecast/server/internal/frames"
	"github.com/gaspardpetit/framecast/server/internal/metrics"
	"github.com/gaspardpetit/framecast/server/internal/serverstate"
)

var (
	// ErrProcessInUse is returned when a view asks for a process id another
	// live view holds.
	ErrProcessInUse = errors.New("process id in use")
	// ErrUnknownView is returned when no view has the given process id.
	ErrUnknownView = errors.New("unknown view")
)

// Options configure a Host.
type Options struct {
	// ClientKey, when set, must be presented by views in their register message.
	ClientKey string
	// QueueSize bounds each view's outbound queue.
	QueueSize int
}

type viewConn struct {
	info ipc.ViewInfo
	ep   *transport.Endpoint
}

func (v *viewConn) ProcessID() int { return v.info.ProcessID }

func (v *viewConn) Send(channel string, args ...any) error { return v.ep.Send(channel, args...) }

func (v *viewConn) SendToFrame(addr ipc.FrameAddress, channel string, args ...any) error {
	return v.ep.SendToFrame(addr, channel, args...)
}

// Host tracks connected views and their sub-frames.
type Host struct {
	opts   Options
	frames *frames.Registry
	mux    *transport.Mux
	router *broadcast.Router

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	views    map[int]*viewConn
	nextPID  int
	handlers map[string]transport.RequestHandler
	changed  chan struct{}
}

// New returns a Host with an empty registry.
func New(opts Options) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		opts:     opts,
		frames:   frames.NewRegistry(),
		mux:      transport.NewMux(),
		ctx:      ctx,
		cancel:   cancel,
		views:    make(map[int]*viewConn),
		nextPID:  1,
		handlers: make(map[string]transport.RequestHandler),
		changed:  make(chan struct{}),
	}
	h.router = broadcast.NewRouter("host", h, h, h)
	return h
}

// Views lists the connected views ordered by process id.
func (h *Host) Views() []broadcast.Destination {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]broadcast.Destination, 0, len(h.views))
	for _, pid := range h.pidsLocked() {
		out = append(out, h.views[pid])
	}
	return out
}

// ViewInfos describes the connected views ordered by process id.
func (h *Host) ViewInfos() []ipc.ViewInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ipc.ViewInfo, 0, len(h.views))
	for _, pid := range h.pidsLocked() {
		out = append(out, h.views[pid].info)
	}
	return out
}

func (h *Host) pidsLocked() []int {
	pids := make([]int, 0, len(h.views))
	for pid := range h.views {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Snapshot returns the registered frames. It never fails on the host.
func (h *Host) Snapshot(context.Context) ([]ipc.FrameRecord, error) {
	return h.frames.Snapshot(), nil
}

// Frames returns the registered frames.
func (h *Host) Frames() []ipc.FrameRecord { return h.frames.Snapshot() }

// OnMessage registers a host-local listener for top-level sends from any view
// and for broadcasts issued on the host.
func (h *Host) OnMessage(channel string, handler transport.Handler) transport.Disposer {
	return h.mux.On(channel, handler)
}

// Emit delivers channel/args to the host's own listeners.
func (h *Host) Emit(channel string, args ...any) error {
	env, err := ipc.NewEnvelope(channel, args...)
	if err != nil {
		return err
	}
	h.mux.Dispatch(env)
	return nil
}

// Broadcast sends channel/args to the host's listeners, every view and every
// registered frame.
func (h *Host) Broadcast(ctx context.Context, channel string, args ...any) broadcast.Report {
	return h.router.Broadcast(ctx, channel, args...)
}

// Handle answers requests from any view on channel. Reserved channels cannot
// be overridden.
func (h *Host) Handle(channel string, handler transport.RequestHandler) error {
	if ipc.Reserved(channel) {
		return fmt.Errorf("channel %q is reserved", channel)
	}
	h.mu.Lock()
	h.handlers[channel] = handler
	views := make([]*viewConn, 0, len(h.views))
	for _, v := range h.views {
		views = append(views, v)
	}
	h.mu.Unlock()
	for _, v := range views {
		v.ep.Handle(channel, handler)
	}
	return nil
}

// Send delivers a message to the top-level context of one view.
func (h *Host) Send(processID int, channel string, args ...any) error {
	v, ok := h.view(processID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownView, processID)
	}
	return v.Send(channel, args...)
}

// Request issues a request to one view and waits for its reply.
func (h *Host) Request(ctx context.Context, processID int, channel string, args ...any) (json.RawMessage, error) {
	v, ok := h.view(processID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownView, processID)
	}
	return v.ep.Request(ctx, channel, args...)
}

func (h *Host) view(pid int) (*viewConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.views[pid]
	return v, ok
}

// Disconnect closes the connection of a view. The view is released once its
// endpoint stops, and may reconnect.
func (h *Host) Disconnect(processID int) error {
	v, ok := h.view(processID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownView, processID)
	}
	return v.ep.Close()
}

// ViewCount returns the number of connected views.
func (h *Host) ViewCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.views)
}

// claim assigns a process id to v and makes it visible to broadcasts.
func (h *Host) claim(v *viewConn, preferred int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pid := preferred
	if pid > 0 {
		if _, taken := h.views[pid]; taken {
			return 0, fmt.Errorf("%w: %d", ErrProcessInUse, pid)
		}
	} else {
		for {
			pid = h.nextPID
			h.nextPID++
			if _, taken := h.views[pid]; !taken {
				break
			}
		}
	}
	if pid >= h.nextPID {
		h.nextPID = pid + 1
	}
	v.info.ProcessID = pid
	h.views[pid] = v
	for ch, hd := range h.handlers {
		v.ep.Handle(ch, hd)
	}
	h.notifyLocked()
	return pid, nil
}

// release forgets the view and every frame it registered.
// Frames go first so a reconnecting view with the same id never sees stale ones.
func (h *Host) release(pid int) []ipc.FrameRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := h.frames.RemoveProcess(pid)
	delete(h.views, pid)
	h.notifyLocked()
	return removed
}

func (h *Host) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// pushRoster tells every view which process ids are live.
func (h *Host) pushRoster() {
	h.mu.RLock()
	pids := h.pidsLocked()
	views := make([]*viewConn, 0, len(pids))
	for _, pid := range pids {
		views = append(views, h.views[pid])
	}
	h.mu.RUnlock()
	for _, v := range views {
		if err := v.Send(ipc.ChannelViewsChanged, pids); err != nil {
			logx.Log.Warn().Err(err).Int("process_id", v.ProcessID()).Msg("push view roster")
		}
	}
	serverstate.SetViews(len(pids))
	metrics.SetViews(len(pids))
	metrics.SetFrames(h.frames.Len())
}

// WaitForViews blocks until no view is connected or ctx ends.
func (h *Host) WaitForViews(ctx context.Context) bool {
	for {
		h.mu.RLock()
		n, ch := len(h.views), h.changed
		h.mu.RUnlock()
		if n == 0 {
			return true
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// Close disconnects every view.
func (h *Host) Close() {
	h.cancel()
	h.mu.RLock()
	views := make([]*viewConn, 0, len(h.views))
	for _, v := range h.views {
		views = append(views, v)
	}
	h.mu.RUnlock()
	for _, v := range views {
		_ = v.ep.Close()
	}
}

// StateSections exposes views and frames to the state endpoint.
func (h *Host) StateSections(reg *serverstate.Registry) {
	reg.Add(serverstate.Section{ID: "views", Data: func() any { return h.ViewInfos() }})
	reg.Add(serverstate.Section{ID: "frames", Data: func() any { return h.Frames() }})
}
