package serverstate

import (
	"sync/atomic"
	"time"
)

const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	statusUnknown  = "unknown"
)

// State is the host lifecycle status. Fields are written together so readers
// never see a draining host reported as ready.
type State struct {
	Status   string    `json:"status"`
	Draining bool      `json:"draining"`
	Views    int       `json:"views"`
	Since    time.Time `json:"since"`
}

// Store persists State. The memory store serves a single host; the Redis
// store lets operators read the status of a host from outside the process.
type Store interface {
	Load() State
	Store(State)
}

var active Store = NewMemoryStore()

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s != nil {
		active = s
	}
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a Store initialized to not_ready.
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady, Since: time.Now().UTC()})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: statusUnknown}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }

// Reset stores a fresh not_ready state.
func Reset() { active.Store(State{Status: StatusNotReady, Since: time.Now().UTC()}) }

// Current returns the full state.
func Current() State { return active.Load() }

// SetState updates the status unless the host is draining.
func SetState(status string) {
	st := active.Load()
	if st.Draining || st.Status == status {
		return
	}
	st.Status = status
	st.Since = time.Now().UTC()
	active.Store(st)
}

// GetState returns the current status string.
func GetState() string { return active.Load().Status }

// SetViews records the number of connected views. The first view moves the
// host from not_ready to ready.
func SetViews(n int) {
	st := active.Load()
	st.Views = n
	if n > 0 && st.Status == StatusNotReady {
		st.Status = StatusReady
		st.Since = time.Now().UTC()
	}
	active.Store(st)
}

// StartDrain marks the host as draining; new views are refused from now on.
func StartDrain() {
	st := active.Load()
	st.Draining = true
	st.Status = StatusDraining
	st.Since = time.Now().UTC()
	active.Store(st)
}

// IsDraining reports whether the host is draining.
func IsDraining() bool { return active.Load().Draining }
