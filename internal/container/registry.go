package container

// Registry holds the managers by container name in registration order.
type Registry struct {
	byName map[string]*Manager
	order  []*Manager
}

func NewRegistry(managers ...*Manager) *Registry {
	r := &Registry{byName: make(map[string]*Manager, len(managers))}
	for _, m := range managers {
		if _, dup := r.byName[m.Name()]; dup {
			continue
		}
		r.byName[m.Name()] = m
		r.order = append(r.order, m)
	}
	return r
}

// Get returns the manager of the named container.
func (r *Registry) Get(name string) (*Manager, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// All returns every manager in registration order.
func (r *Registry) All() []*Manager {
	return append([]*Manager(nil), r.order...)
}
