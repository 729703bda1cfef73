package serverstate

import (
	"sort"
	"sync"
)

// Section is one named part of the /api/state document.
type Section struct {
	ID   string
	Data func() any
}

// Registry collects the sections rendered by the state endpoint.
type Registry struct {
	mu       sync.RWMutex
	sections map[string]Section
}

func NewRegistry() *Registry {
	return &Registry{sections: make(map[string]Section)}
}

// Add registers or replaces a section.
func (r *Registry) Add(s Section) {
	r.mu.Lock()
	r.sections[s.ID] = s
	r.mu.Unlock()
}

// Document evaluates every section, keyed by id.
func (r *Registry) Document() map[string]any {
	r.mu.RLock()
	secs := make([]Section, 0, len(r.sections))
	for _, s := range r.sections {
		secs = append(secs, s)
	}
	r.mu.RUnlock()
	sort.Slice(secs, func(i, j int) bool { return secs[i].ID < secs[j].ID })
	doc := make(map[string]any, len(secs))
	for _, s := range secs {
		doc[s.ID] = s.Data()
	}
	return doc
}
