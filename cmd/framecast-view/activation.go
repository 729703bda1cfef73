package main

import (
	"sync"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/sdk/api/ipc"
	"github.com/gaspardpetit/framecast/sdk/base/capability"
)

// ChannelActivateCluster switches the view to another cluster context. Its
// single argument is the cluster id.
const ChannelActivateCluster = "cluster:activate"

// activator re-resolves every configured extension when the active cluster
// changes and logs the outcome.
type activator struct {
	gate *capability.Gate
	exts []string

	mu      sync.Mutex
	watched map[capability.Key]bool
}

func newActivator(gate *capability.Gate, exts []string) *activator {
	return &activator{gate: gate, exts: exts, watched: make(map[capability.Key]bool)}
}

func (a *activator) handle(env ipc.Envelope) {
	var cluster string
	if err := env.Arg(0, &cluster); err != nil || cluster == "" {
		logx.Log.Warn().Err(err).Msg("cluster:activate without a cluster id")
		return
	}
	a.activate(cluster)
}

func (a *activator) activate(cluster string) {
	a.gate.SetActiveCluster(cluster)
	logx.Log.Info().Str("cluster_id", cluster).Msg("active cluster changed")
	for _, id := range a.exts {
		obs, err := a.gate.ResolveExtension(id)
		if err != nil {
			logx.Log.Warn().Err(err).Str("extension", id).Msg("resolve extension")
			continue
		}
		a.watch(obs)
	}
}

func (a *activator) watch(obs *capability.Observable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := obs.Key()
	if a.watched[key] {
		return
	}
	a.watched[key] = true
	obs.Subscribe(func(st capability.State) {
		ev := logx.Log.Debug()
		if st.Phase == capability.Resolved {
			ev = logx.Log.Info()
		}
		ev.Str("extension", key.ExtensionID).Str("cluster_id", key.ClusterID).Str("state", st.String()).Bool("visible", st.Visible()).Msg("extension state")
	})
}
