package capability

import (
	"fmt"
	"sync"
)

// Phase is the resolution phase of one capability key.
type Phase int

const (
	Unresolved Phase = iota
	Pending
	Resolved
)

func (p Phase) String() string {
	switch p {
	case Unresolved:
		return "unresolved"
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Key identifies one predicate evaluation.
type Key struct {
	ExtensionID string
	ClusterID   string
}

// State is what the UI layer renders from. Enabled is meaningful only when
// Phase is Resolved.
type State struct {
	Phase      Phase
	Generation uint64
	Enabled    bool
}

// Visible reports whether the gated fragment should be shown.
func (s State) Visible() bool { return s.Phase == Resolved && s.Enabled }

func (s State) String() string {
	switch s.Phase {
	case Pending:
		return fmt.Sprintf("pending(%d)", s.Generation)
	case Resolved:
		return fmt.Sprintf("resolved(%d, %t)", s.Generation, s.Enabled)
	default:
		return "unresolved"
	}
}

// Disposer removes a subscription.
type Disposer func()

type subscriber struct {
	id uint64
	fn func(State)
}

// Observable carries the current State of one key and notifies subscribers
// on change. Subscribers always observe states in the order they were set and
// never a state older than one already delivered.
type Observable struct {
	key Key

	mu         sync.Mutex
	state      State
	version    uint64
	delivered  uint64
	delivering bool
	nextSub    uint64
	subs       []subscriber
}

func newObservable(key Key, generation uint64) *Observable {
	return &Observable{key: key, state: State{Phase: Unresolved, Generation: generation}}
}

// Key returns the capability key this observable tracks.
func (o *Observable) Key() Key { return o.key }

// Get returns the current state.
func (o *Observable) Get() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe registers fn for future state changes.
func (o *Observable) Subscribe(fn func(State)) Disposer {
	o.mu.Lock()
	o.nextSub++
	id := o.nextSub
	o.subs = append(o.subs, subscriber{id: id, fn: fn})
	o.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *Observable) set(s State) {
	o.mu.Lock()
	o.state = s
	o.version++
	o.mu.Unlock()
}

// publish delivers the latest state to subscribers. A call made while another
// goroutine is delivering returns at once; the active deliverer picks the
// newer state up before it finishes.
func (o *Observable) publish() {
	o.mu.Lock()
	if o.delivering {
		o.mu.Unlock()
		return
	}
	o.delivering = true
	for o.delivered != o.version {
		st := o.state
		o.delivered = o.version
		subs := append([]subscriber(nil), o.subs...)
		o.mu.Unlock()
		for _, s := range subs {
			notify(s.fn, st)
		}
		o.mu.Lock()
	}
	o.delivering = false
	o.mu.Unlock()
}
