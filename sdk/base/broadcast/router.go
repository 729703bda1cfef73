// Package broadcast fans one logical message out to every top-level view and
// every registered sub-context, from whichever process issues it.
package broadcast

import (
	"context"
	"fmt"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/metrics"
)

// Destination is one top-level view reachable from the current process.
type Destination interface {
	ProcessID() int
	Send(channel string, args ...any) error
	SendToFrame(addr ipc.FrameAddress, channel string, args ...any) error
}

// ViewSource enumerates the live top-level views. It must not block.
type ViewSource interface {
	Views() []Destination
}

// SnapshotSource returns the current sub-context records. On a view this is a
// round trip to the host.
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]ipc.FrameRecord, error)
}

// Emitter re-emits a broadcast on the originating side (host listeners, or the
// host itself when a view broadcasts).
type Emitter interface {
	Emit(channel string, args ...any) error
}

// Report summarizes one fan-out. It is informational only.
type Report struct {
	Attempts int
	Failures int
	Skipped  int
}

// Router composes a ViewSource and a SnapshotSource.
type Router struct {
	origin string
	views  ViewSource
	frames SnapshotSource
	local  Emitter
}

// NewRouter builds a router. origin labels logs and metrics ("host" or "view").
// local may be nil.
func NewRouter(origin string, views ViewSource, frames SnapshotSource, local Emitter) *Router {
	return &Router{origin: origin, views: views, frames: frames, local: local}
}

// Broadcast delivers channel/args to every view and every registered frame.
// Failures are logged per destination and never abort the fan-out.
func (r *Router) Broadcast(ctx context.Context, channel string, args ...any) Report {
	metrics.RecordBroadcast(r.origin)
	views := r.views.Views()

	// Arguments are encoded once; every destination gets the same bytes.
	env, encErr := ipc.NewEnvelope(channel, args...)
	if encErr != nil {
		logx.Log.Error().Err(encErr).Str("origin", r.origin).Str("channel", channel).Msg("encode broadcast")
	}
	raw := make([]any, len(env.Args))
	for i, a := range env.Args {
		raw[i] = a
	}
	deliver := func(fn func(args ...any) error) error {
		if encErr != nil {
			return encErr
		}
		return guard(func() error { return fn(raw...) })
	}

	if r.local != nil && encErr == nil {
		if err := guard(func() error { return r.local.Emit(channel, raw...) }); err != nil {
			logx.Log.Warn().Err(err).Str("origin", r.origin).Str("channel", channel).Msg("local re-emit failed")
		}
	}

	var records []ipc.FrameRecord
	if r.frames != nil {
		var err error
		records, err = r.frames.Snapshot(ctx)
		if err != nil {
			metrics.RecordSnapshotFailure(r.origin)
			logx.Log.Warn().Err(err).Str("origin", r.origin).Str("channel", channel).Msg("fetch sub-frames; broadcasting to views only")
			records = nil
		}
	}
	byProcess := make(map[int][]ipc.FrameAddress, len(views))
	for _, rec := range records {
		byProcess[rec.Address.ProcessID] = append(byProcess[rec.Address.ProcessID], rec.Address)
	}

	var rep Report
	seen := make(map[int]bool, len(views))
	for _, v := range views {
		pid := v.ProcessID()
		seen[pid] = true
		logx.Log.Trace().Str("origin", r.origin).Str("channel", channel).Int("process_id", pid).Msg("broadcasting to view")
		rep.Attempts++
		if err := deliver(func(a ...any) error { return v.Send(channel, a...) }); err != nil {
			rep.Failures++
			metrics.RecordSend(r.origin, "view", false)
			logx.Log.Error().Err(err).Str("channel", channel).Int("process_id", pid).Msg("failed to send broadcast")
		} else {
			metrics.RecordSend(r.origin, "view", true)
		}
		for _, addr := range byProcess[pid] {
			rep.Attempts++
			if err := deliver(func(a ...any) error { return v.SendToFrame(addr, channel, a...) }); err != nil {
				rep.Failures++
				metrics.RecordSend(r.origin, "frame", false)
				logx.Log.Error().Err(err).Str("channel", channel).Str("frame", addr.String()).Msg("failed to send broadcast to frame")
			} else {
				metrics.RecordSend(r.origin, "frame", true)
			}
		}
	}
	for pid, addrs := range byProcess {
		if !seen[pid] {
			rep.Skipped += len(addrs)
			logx.Log.Debug().Str("channel", channel).Int("process_id", pid).Int("frames", len(addrs)).Msg("no view for frames; skipped")
		}
	}
	return rep
}

func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("send panicked: %v", rec)
		}
	}()
	return fn()
}
