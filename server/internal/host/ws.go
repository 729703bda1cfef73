package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/auth"
	"github.com/gaspardpetit/framecast/sdk/base/transport"
	"github.com/gaspardpetit/framecast/server/internal/metrics"
	"github.com/gaspardpetit/framecast/server/internal/serverstate"
)

const registerTimeout = 10 * time.Second

// WSHandler accepts view connections. The first message must be a register
// message; the host answers with the assigned process id.
func (h *Host) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if serverstate.IsDraining() {
			metrics.RecordSession("draining")
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Views outlive the upgrade request.
		ctx := h.ctx

		rctx, cancel := context.WithTimeout(ctx, registerTimeout)
		_, data, err := c.Read(rctx)
		cancel()
		if err != nil {
			_ = c.Close(websocket.StatusPolicyViolation, "expected register")
			return
		}
		var rm ipc.RegisterMessage
		if err := json.Unmarshal(data, &rm); err != nil || rm.Type != "register" {
			metrics.RecordSession("rejected")
			_ = c.Close(websocket.StatusPolicyViolation, "expected register")
			return
		}
		if h.opts.ClientKey != "" && !auth.CheckSecret(rm.ClientKey, h.opts.ClientKey) {
			metrics.RecordSession("rejected")
			logx.Log.Warn().Str("view_name", rm.ViewName).Msg("view rejected: bad client key")
			_ = c.Close(websocket.StatusPolicyViolation, "unauthorized")
			return
		}

		v := &viewConn{info: ipc.ViewInfo{Name: rm.ViewName, Version: rm.Version}}
		v.ep = transport.NewEndpoint(c, transport.Options{
			Name:      fmt.Sprintf("view:%s", rm.ViewName),
			QueueSize: h.opts.QueueSize,
			Mux:       transport.NewChildMux(h.mux),
			Route:     h.route(v),
		})
		h.installControl(v)
		pid, err := h.claim(v, rm.ProcessID)
		if err != nil {
			metrics.RecordSession("rejected")
			logx.Log.Warn().Err(err).Str("view_name", rm.ViewName).Msg("view rejected")
			_ = c.Close(websocket.StatusPolicyViolation, "process id in use")
			return
		}
		defer func() {
			removed := h.release(pid)
			h.pushRoster()
			logx.Log.Info().Int("process_id", pid).Int("frames_removed", len(removed)).Msg("view disconnected")
		}()

		ack, _ := json.Marshal(ipc.RegisteredMessage{Type: "registered", ProcessID: pid, Views: h.livePIDs()})
		wctx, cancel := context.WithTimeout(ctx, registerTimeout)
		err = c.Write(wctx, websocket.MessageText, ack)
		cancel()
		if err != nil {
			_ = c.CloseNow()
			return
		}
		metrics.RecordSession("accepted")
		logx.Log.Info().Int("process_id", pid).Str("view_name", rm.ViewName).Str("version", rm.Version).Msg("view registered")
		h.pushRoster()

		if err := v.ep.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logx.Log.Debug().Err(err).Int("process_id", pid).Msg("view connection ended")
		}
	}
}

func (h *Host) livePIDs() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pidsLocked()
}
