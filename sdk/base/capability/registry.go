package capability

import "sync"

// Registry supplies the predicate an extension contributed.
type Registry interface {
	Predicate(extensionID string) (Predicate, bool)
}

// StaticRegistry is an in-memory Registry.
type StaticRegistry struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{preds: make(map[string]Predicate)}
}

func (r *StaticRegistry) Register(extensionID string, p Predicate) {
	r.mu.Lock()
	r.preds[extensionID] = p
	r.mu.Unlock()
}

func (r *StaticRegistry) Unregister(extensionID string) {
	r.mu.Lock()
	delete(r.preds, extensionID)
	r.mu.Unlock()
}

func (r *StaticRegistry) Predicate(extensionID string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.preds[extensionID]
	return p, ok
}

// IDs returns the registered extension ids.
func (r *StaticRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.preds))
	for id := range r.preds {
		ids = append(ids, id)
	}
	return ids
}
