package tenant

import "sync"

// schemaSet is the append-only set of registered extension schemas,
// iterated in registration order.
type schemaSet struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*Schema
}

func newSchemaSet() *schemaSet {
	return &schemaSet{byID: map[string]*Schema{}}
}

func (ss *schemaSet) put(name string, s *Schema) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.byID[name]; !ok {
		ss.order = append(ss.order, name)
	}
	ss.byID[name] = s
}

func (ss *schemaSet) each(fn func(name string, s *Schema)) {
	ss.mu.Lock()
	names := append([]string(nil), ss.order...)
	schemas := make([]*Schema, len(names))
	for i, n := range names {
		schemas[i] = ss.byID[n]
	}
	ss.mu.Unlock()
	for i, n := range names {
		fn(n, schemas[i])
	}
}
