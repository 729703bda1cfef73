// Package frames holds the host's registry of live sub-contexts.
package frames

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gaspardpetit/framecast/sdk/api/ipc"
)

// ErrDuplicateAddress is returned by Register when the address is taken.
var ErrDuplicateAddress = ipc.ErrDuplicateAddress

type entry struct {
	seq    uint64
	record ipc.FrameRecord
}

// Registry is the single source of truth for registered frames. Only the host
// owns one; views read snapshots fetched over the control channel.
type Registry struct {
	mu      sync.RWMutex
	seq     uint64
	records map[ipc.FrameAddress]entry
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[ipc.FrameAddress]entry)}
}

// Register inserts rec. The registry is left untouched when the address exists.
func (r *Registry) Register(rec ipc.FrameRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.Address]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, rec.Address)
	}
	r.seq++
	r.records[rec.Address] = entry{seq: r.seq, record: rec.Clone()}
	return nil
}

// Unregister removes addr. Absent addresses are ignored.
func (r *Registry) Unregister(addr ipc.FrameAddress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[addr]; !ok {
		return false
	}
	delete(r.records, addr)
	return true
}

// RemoveProcess drops every frame owned by processID and returns them.
func (r *Registry) RemoveProcess(processID int) []ipc.FrameRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []entry
	for addr, e := range r.records {
		if addr.ProcessID == processID {
			removed = append(removed, e)
			delete(r.records, addr)
		}
	}
	return sorted(removed)
}

// Snapshot returns a point-in-time copy in registration order.
func (r *Registry) Snapshot() []ipc.FrameRecord {
	r.mu.RLock()
	es := make([]entry, 0, len(r.records))
	for _, e := range r.records {
		es = append(es, e)
	}
	r.mu.RUnlock()
	return sorted(es)
}

// Len returns the number of registered frames.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func sorted(es []entry) []ipc.FrameRecord {
	sort.Slice(es, func(i, j int) bool { return es[i].seq < es[j].seq })
	out := make([]ipc.FrameRecord, 0, len(es))
	for _, e := range es {
		out = append(out, e.record.Clone())
	}
	return out
}
