// Package capability resolves whether an extension-contributed fragment is
// enabled for a cluster context. Each (extension, cluster) key carries a
// generation; results of a superseded generation are discarded.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gaspardpetit/framecast/core/logx"
	"github.com/gaspardpetit/framecast/sdk/base/metrics"
)

var (
	// ErrPredicateFailure marks a predicate that returned an error or panicked.
	// The key resolves to false for that generation.
	ErrPredicateFailure = errors.New("capability predicate failed")
	// ErrUnknownExtension is returned when the registry has no predicate.
	ErrUnknownExtension = errors.New("unknown extension")
	// ErrNoActiveCluster is returned when no cluster context is active.
	ErrNoActiveCluster = errors.New("no active cluster context")
)

// Predicate decides whether an extension is enabled for a cluster. It may take
// arbitrarily long; it is never cancelled when its generation is superseded.
type Predicate func(ctx context.Context, clusterID string) (bool, error)

type entry struct {
	generation uint64
	obs        *Observable
}

// Gate owns the capability state of every key it has seen.
type Gate struct {
	mu       sync.Mutex
	active   string
	entries  map[Key]*entry
	disabled map[string]bool
	registry Registry

	ctx    context.Context
	cancel context.CancelFunc

	afterSettle func(key Key, generation uint64, applied bool)
}

// NewGate returns a gate. registry may be nil when callers always pass
// predicates to Resolve.
func NewGate(registry Registry) *Gate {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		entries:  make(map[Key]*entry),
		disabled: make(map[string]bool),
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels the context handed to running predicates.
func (g *Gate) Close() { g.cancel() }

func (g *Gate) entry(key Key) *entry {
	e, ok := g.entries[key]
	if !ok {
		e = &entry{generation: 1}
		e.obs = newObservable(key, e.generation)
		g.entries[key] = e
	}
	return e
}

// Observe returns the observable for key without starting a resolution.
func (g *Gate) Observe(key Key) *Observable {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entry(key).obs
}

// Enabled reports whether key is resolved true for its current generation.
func (g *Gate) Enabled(key Key) bool { return g.Observe(key).Get().Visible() }

// ActiveCluster returns the currently active cluster context id.
func (g *Gate) ActiveCluster() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Resolve starts evaluating predicate for key unless an evaluation for the
// current generation is already pending or resolved.
func (g *Gate) Resolve(key Key, predicate Predicate) *Observable {
	g.mu.Lock()
	e := g.entry(key)
	if g.disabled[key.ExtensionID] {
		g.mu.Unlock()
		return e.obs
	}
	st := e.obs.Get()
	if st.Phase != Unresolved && st.Generation == e.generation {
		g.mu.Unlock()
		return e.obs
	}
	gen := e.generation
	e.obs.set(State{Phase: Pending, Generation: gen})
	g.mu.Unlock()
	e.obs.publish()

	metrics.CapabilityStarted()
	logx.Log.Debug().Str("extension", key.ExtensionID).Str("cluster_id", key.ClusterID).Uint64("generation", gen).Msg("resolving capability")
	go g.run(key, e, gen, predicate)
	return e.obs
}

// ResolveExtension resolves extensionID for the active cluster using the
// registry's predicate.
func (g *Gate) ResolveExtension(extensionID string) (*Observable, error) {
	if g.registry == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExtension, extensionID)
	}
	p, ok := g.registry.Predicate(extensionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExtension, extensionID)
	}
	cluster := g.ActiveCluster()
	if cluster == "" {
		return nil, ErrNoActiveCluster
	}
	return g.Resolve(Key{ExtensionID: extensionID, ClusterID: cluster}, p), nil
}

func (g *Gate) run(key Key, e *entry, gen uint64, predicate Predicate) {
	enabled, err := call(g.ctx, predicate, key.ClusterID)

	g.mu.Lock()
	applied := e.generation == gen
	if applied {
		e.obs.set(State{Phase: Resolved, Generation: gen, Enabled: err == nil && enabled})
	}
	hook := g.afterSettle
	g.mu.Unlock()

	switch {
	case !applied:
		metrics.CapabilitySettled(key.ExtensionID, metrics.OutcomeDiscarded)
		logx.Log.Debug().Str("extension", key.ExtensionID).Str("cluster_id", key.ClusterID).Uint64("generation", gen).Msg("discarded stale capability result")
	case err != nil:
		metrics.CapabilitySettled(key.ExtensionID, metrics.OutcomeFailed)
		logx.Log.Warn().Err(err).Str("extension", key.ExtensionID).Str("cluster_id", key.ClusterID).Msg("capability predicate failed; treating as disabled")
	case enabled:
		metrics.CapabilitySettled(key.ExtensionID, metrics.OutcomeEnabled)
	default:
		metrics.CapabilitySettled(key.ExtensionID, metrics.OutcomeDisabled)
	}
	if applied {
		e.obs.publish()
	}
	if hook != nil {
		hook(key, gen, applied)
	}
}

func call(ctx context.Context, p Predicate, clusterID string) (enabled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			enabled, err = false, fmt.Errorf("%w: panic: %v", ErrPredicateFailure, r)
		}
	}()
	enabled, err = p(ctx, clusterID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPredicateFailure, err)
	}
	return enabled, nil
}

// advance starts a new generation for every key matching fn and resets it to
// Unresolved. Callers hold g.mu and publish the returned observables.
func (g *Gate) advance(match func(Key) bool) []*Observable {
	var touched []*Observable
	for k, e := range g.entries {
		if !match(k) {
			continue
		}
		e.generation++
		e.obs.set(State{Phase: Unresolved, Generation: e.generation})
		touched = append(touched, e.obs)
	}
	return touched
}

// SetActiveCluster switches the active cluster context. Every key of another
// cluster moves to a new generation and reads Unresolved immediately.
func (g *Gate) SetActiveCluster(clusterID string) {
	g.mu.Lock()
	if g.active == clusterID {
		g.mu.Unlock()
		return
	}
	prev := g.active
	g.active = clusterID
	touched := g.advance(func(k Key) bool { return k.ClusterID != clusterID })
	g.mu.Unlock()
	logx.Log.Debug().Str("from", prev).Str("to", clusterID).Int("keys", len(touched)).Msg("active cluster changed")
	for _, o := range touched {
		o.publish()
	}
}

// DisableExtension resets every key of extensionID and stops new resolutions
// until EnableExtension.
func (g *Gate) DisableExtension(extensionID string) {
	g.mu.Lock()
	g.disabled[extensionID] = true
	touched := g.advance(func(k Key) bool { return k.ExtensionID == extensionID })
	g.mu.Unlock()
	for _, o := range touched {
		o.publish()
	}
}

// EnableExtension re-enables extensionID with a fresh generation; the next
// Resolve re-evaluates its predicate.
func (g *Gate) EnableExtension(extensionID string) {
	g.mu.Lock()
	delete(g.disabled, extensionID)
	touched := g.advance(func(k Key) bool { return k.ExtensionID == extensionID })
	g.mu.Unlock()
	for _, o := range touched {
		o.publish()
	}
}

func notify(fn func(State), st State) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Interface("panic", r).Msg("capability subscriber panicked")
		}
	}()
	fn(st)
}
