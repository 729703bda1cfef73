package host

import (
	"context"
	"fmt"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/transport"
	"github.com/gaspardpetit/framecast/server/internal/metrics"
)

// installControl wires the reserved channels on one view endpoint.
func (h *Host) installControl(v *viewConn) {
	v.ep.Handle(ipc.ChannelGetSubFrames, func(ctx context.Context, env ipc.Envelope) (any, error) {
		return h.frames.Snapshot(), nil
	})
	v.ep.Handle(ipc.ChannelRegisterFrame, func(ctx context.Context, env ipc.Envelope) (any, error) {
		var d ipc.FrameDescriptor
		if err := env.Arg(0, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ipc.ErrInvalidFrame, err)
		}
		pid := v.ProcessID()
		if d.ProcessID != pid {
			return nil, fmt.Errorf("%w: frame %s announced by process %d", ipc.ErrInvalidFrame, d.Address(), pid)
		}
		if err := h.registerFrame(v, d.Record()); err != nil {
			logx.Log.Warn().Err(err).Str("frame", d.Address().String()).Msg("register frame")
			return nil, err
		}
		metrics.SetFrames(h.frames.Len())
		logx.Log.Info().Int("process_id", pid).Int("frame_id", d.FrameID).Str("cluster_id", d.ClusterID).Msg("frame registered")
		return true, nil
	})
	v.ep.OnMessage(ipc.ChannelUnregisterFrame, func(env ipc.Envelope) {
		var addr ipc.FrameAddress
		if err := env.Arg(0, &addr); err != nil {
			logx.Log.Debug().Err(err).Msg("decode unregister-frame")
			return
		}
		if addr.ProcessID != v.ProcessID() {
			logx.Log.Warn().Int("process_id", v.ProcessID()).Str("frame", addr.String()).Msg("view tried to unregister a foreign frame")
			return
		}
		if h.frames.Unregister(addr) {
			metrics.SetFrames(h.frames.Len())
			logx.Log.Info().Int("process_id", addr.ProcessID).Int("frame_id", addr.FrameID).Msg("frame unregistered")
		}
	})
}

// registerFrame records rec only while v is still live. release removes a
// view's frames under the same lock, so no record outlives its view.
func (h *Host) registerFrame(v *viewConn, rec ipc.FrameRecord) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.views[v.ProcessID()] != v {
		return fmt.Errorf("%w: process %d is not connected", transport.ErrChannelClosed, v.ProcessID())
	}
	return h.frames.Register(rec)
}

// route delivers forwards from view `from` to their target view or frame.
func (h *Host) route(from *viewConn) func(m ipc.Message) {
	return func(m ipc.Message) {
		if m.Type != ipc.TypeForward {
			logx.Log.Debug().Int("process_id", from.ProcessID()).Str("channel", m.Channel).Msg("host has no frames; dropping addressed send")
			return
		}
		if m.View == 0 {
			h.mux.Dispatch(m.Envelope())
			return
		}
		target, ok := h.view(m.View)
		if !ok {
			logx.Log.Debug().Int("from", from.ProcessID()).Int("to", m.View).Str("channel", m.Channel).Msg("forward to unknown view dropped")
			return
		}
		out := ipc.Message{Type: ipc.TypeSend, Channel: m.Channel, Args: m.Args}
		if m.Frame != nil {
			if m.Frame.ProcessID != m.View {
				logx.Log.Debug().Str("frame", m.Frame.String()).Int("to", m.View).Msg("forward frame does not belong to target view")
				return
			}
			f := *m.Frame
			out.Frame = &f
		}
		if err := target.ep.Post(out); err != nil {
			logx.Log.Warn().Err(err).Int("from", from.ProcessID()).Int("to", m.View).Str("channel", m.Channel).Msg("forward failed")
		}
	}
}
