package capability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type outcome struct {
	enabled bool
	err     error
}

type pendingCall struct {
	cluster string
	result  chan outcome
}

// controlled is a predicate whose calls block until the test settles them.
type controlled struct {
	mu    sync.Mutex
	calls []*pendingCall
}

func (c *controlled) predicate(ctx context.Context, cluster string) (bool, error) {
	pc := &pendingCall{cluster: cluster, result: make(chan outcome, 1)}
	c.mu.Lock()
	c.calls = append(c.calls, pc)
	c.mu.Unlock()
	select {
	case o := <-pc.result:
		return o.enabled, o.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *controlled) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *controlled) settle(t *testing.T, i int, o outcome) {
	t.Helper()
	waitFor(t, func() bool { return c.count() > i })
	c.mu.Lock()
	pc := c.calls[i]
	c.mu.Unlock()
	pc.result <- o
}

type settled struct {
	key        Key
	generation uint64
	applied    bool
}

func newTestGate(t *testing.T, reg Registry) (*Gate, <-chan settled) {
	t.Helper()
	g := NewGate(reg)
	ch := make(chan settled, 16)
	g.afterSettle = func(k Key, gen uint64, applied bool) { ch <- settled{k, gen, applied} }
	t.Cleanup(g.Close)
	return g, ch
}

func waitSettled(t *testing.T, ch <-chan settled) settled {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("predicate never settled")
		return settled{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestResolveSettlesToPredicateValue(t *testing.T) {
	g, done := newTestGate(t, nil)
	g.SetActiveCluster("c1")
	p := &controlled{}
	key := Key{ExtensionID: "e1", ClusterID: "c1"}

	obs := g.Resolve(key, p.predicate)
	if st := obs.Get(); st.Phase != Pending {
		t.Fatalf("expected pending, got %v", st)
	}
	p.settle(t, 0, outcome{enabled: true})
	if s := waitSettled(t, done); !s.applied {
		t.Fatalf("result not applied")
	}
	st := obs.Get()
	if st.Phase != Resolved || !st.Enabled || st.Generation != 1 {
		t.Fatalf("unexpected state %v", st)
	}
	if !g.Enabled(key) {
		t.Fatalf("expected enabled")
	}
	if p.count() != 1 || p.calls[0].cluster != "c1" {
		t.Fatalf("predicate called with %+v", p.calls)
	}
}

func TestSwitchingClusterDiscardsStaleResult(t *testing.T) {
	g, done := newTestGate(t, nil)
	g.SetActiveCluster("c1")
	p := &controlled{}
	key := Key{ExtensionID: "e1", ClusterID: "c1"}

	obs := g.Resolve(key, p.predicate)
	waitFor(t, func() bool { return p.count() == 1 })

	g.SetActiveCluster("c2")
	if st := obs.Get(); st.Phase != Unresolved {
		t.Fatalf("expected unresolved right after switch, got %v", st)
	}

	p.settle(t, 0, outcome{enabled: true})
	if s := waitSettled(t, done); s.applied {
		t.Fatalf("stale result applied")
	}
	if st := obs.Get(); st.Phase != Unresolved || g.Enabled(key) {
		t.Fatalf("expected unresolved after stale settle, got %v", st)
	}
}

func TestReturningToClusterStartsFreshGeneration(t *testing.T) {
	g, done := newTestGate(t, nil)
	g.SetActiveCluster("c1")
	p := &controlled{}
	key := Key{ExtensionID: "e1", ClusterID: "c1"}

	g.Resolve(key, p.predicate)
	p.settle(t, 0, outcome{enabled: true})
	waitSettled(t, done)

	g.SetActiveCluster("c2")
	g.SetActiveCluster("c1")
	obs := g.Observe(key)
	if st := obs.Get(); st.Phase != Unresolved {
		t.Fatalf("cached result survived generation change: %v", st)
	}

	g.Resolve(key, p.predicate)
	if p.count() != 2 {
		waitFor(t, func() bool { return p.count() == 2 })
	}
	p.settle(t, 1, outcome{enabled: false})
	waitSettled(t, done)
	st := obs.Get()
	if st.Phase != Resolved || st.Enabled || st.Generation <= 1 {
		t.Fatalf("unexpected state %v", st)
	}
}

func TestResolveDeduplicatesWithinGeneration(t *testing.T) {
	g, done := newTestGate(t, nil)
	var calls atomic.Int32
	pred := func(ctx context.Context, cluster string) (bool, error) {
		calls.Add(1)
		return true, nil
	}
	key := Key{ExtensionID: "e1", ClusterID: "c1"}

	first := g.Resolve(key, pred)
	second := g.Resolve(key, pred)
	if first != second {
		t.Fatalf("expected the same observable")
	}
	waitSettled(t, done)
	third := g.Resolve(key, pred)
	if third != first {
		t.Fatalf("expected the same observable after settle")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("predicate called %d times", n)
	}
}

func TestPredicateFailureResolvesFalse(t *testing.T) {
	g, done := newTestGate(t, nil)
	failing := func(ctx context.Context, cluster string) (bool, error) {
		return true, errors.New("boom")
	}
	panicking := func(ctx context.Context, cluster string) (bool, error) {
		panic("kaboom")
	}

	a := g.Resolve(Key{ExtensionID: "e1", ClusterID: "c1"}, failing)
	waitSettled(t, done)
	b := g.Resolve(Key{ExtensionID: "e2", ClusterID: "c1"}, panicking)
	waitSettled(t, done)

	for _, obs := range []*Observable{a, b} {
		if st := obs.Get(); st.Phase != Resolved || st.Enabled {
			t.Fatalf("%v: expected resolved false, got %v", obs.Key(), st)
		}
	}
}

func TestCallWrapsPredicateFailure(t *testing.T) {
	_, err := call(context.Background(), func(context.Context, string) (bool, error) {
		return false, errors.New("unreachable")
	}, "c1")
	if !errors.Is(err, ErrPredicateFailure) {
		t.Fatalf("expected ErrPredicateFailure, got %v", err)
	}
}

func TestDisableAndEnableExtension(t *testing.T) {
	g, done := newTestGate(t, nil)
	var calls atomic.Int32
	pred := func(ctx context.Context, cluster string) (bool, error) {
		calls.Add(1)
		return true, nil
	}
	key := Key{ExtensionID: "e1", ClusterID: "c1"}
	obs := g.Resolve(key, pred)
	waitSettled(t, done)

	g.DisableExtension("e1")
	if st := obs.Get(); st.Phase != Unresolved {
		t.Fatalf("expected unresolved after disable, got %v", st)
	}
	g.Resolve(key, pred)
	if st := obs.Get(); st.Phase != Unresolved {
		t.Fatalf("disabled extension resolved: %v", st)
	}

	g.EnableExtension("e1")
	g.Resolve(key, pred)
	waitSettled(t, done)
	if !g.Enabled(key) {
		t.Fatalf("expected enabled after re-enable")
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("predicate called %d times", n)
	}
}

func TestSubscribersSeeOrderedStates(t *testing.T) {
	g, done := newTestGate(t, nil)
	g.SetActiveCluster("c1")
	p := &controlled{}
	key := Key{ExtensionID: "e1", ClusterID: "c1"}
	obs := g.Observe(key)

	var mu sync.Mutex
	var seen []Phase
	dispose := obs.Subscribe(func(st State) {
		mu.Lock()
		seen = append(seen, st.Phase)
		mu.Unlock()
	})

	g.Resolve(key, p.predicate)
	p.settle(t, 0, outcome{enabled: true})
	waitSettled(t, done)
	g.SetActiveCluster("c2")
	dispose()
	g.Resolve(key, p.predicate)

	mu.Lock()
	defer mu.Unlock()
	want := []Phase{Pending, Resolved, Unresolved}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestSubscriberMayResolveAgain(t *testing.T) {
	g, done := newTestGate(t, nil)
	g.SetActiveCluster("c1")
	key := Key{ExtensionID: "e1", ClusterID: "c1"}
	pred := func(ctx context.Context, cluster string) (bool, error) { return true, nil }
	obs := g.Resolve(key, pred)
	waitSettled(t, done)

	obs.Subscribe(func(st State) {
		if st.Phase == Unresolved {
			g.Resolve(key, pred)
		}
	})
	g.DisableExtension("other")
	g.SetActiveCluster("c2")
	g.SetActiveCluster("c1")
	waitSettled(t, done)
	if !g.Enabled(key) {
		t.Fatalf("expected re-resolution from subscriber, got %v", obs.Get())
	}
}

func TestResolveExtensionUsesRegistry(t *testing.T) {
	reg := NewStaticRegistry()
	g, done := newTestGate(t, reg)

	if _, err := g.ResolveExtension("e1"); !errors.Is(err, ErrUnknownExtension) {
		t.Fatalf("expected ErrUnknownExtension, got %v", err)
	}
	reg.Register("e1", func(ctx context.Context, cluster string) (bool, error) {
		return cluster == "prod", nil
	})
	if _, err := g.ResolveExtension("e1"); !errors.Is(err, ErrNoActiveCluster) {
		t.Fatalf("expected ErrNoActiveCluster, got %v", err)
	}

	g.SetActiveCluster("prod")
	obs, err := g.ResolveExtension("e1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	waitSettled(t, done)
	if !obs.Get().Visible() || obs.Key() != (Key{ExtensionID: "e1", ClusterID: "prod"}) {
		t.Fatalf("unexpected %v %v", obs.Key(), obs.Get())
	}
	if ids := reg.IDs(); len(ids) != 1 || ids[0] != "e1" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestCloseCancelsPredicates(t *testing.T) {
	g, done := newTestGate(t, nil)
	p := &controlled{}
	obs := g.Resolve(Key{ExtensionID: "e1", ClusterID: "c1"}, p.predicate)
	waitFor(t, func() bool { return p.count() == 1 })
	g.Close()
	waitSettled(t, done)
	if st := obs.Get(); st.Phase != Resolved || st.Enabled {
		t.Fatalf("expected resolved false after close, got %v", st)
	}
}
