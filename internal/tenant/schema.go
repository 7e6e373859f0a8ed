package tenant

// SchemaEntry declares one configurable key of an extension.
type SchemaEntry struct {
	Datatype    string
	Title       string
	Description string
	Default     any
}

// Schema is an extension's declared config shape: an ordered set of
// keys with defaults. Order is preserved so generated documents and
// admin listings stay stable.
type Schema struct {
	keys    []string
	entries map[string]SchemaEntry
}

func NewSchema() *Schema {
	return &Schema{entries: map[string]SchemaEntry{}}
}

// Add declares a key. Re-adding an existing key overwrites its entry
// but keeps its original position. Returns the schema for chaining.
func (s *Schema) Add(key, datatype, title, description string, def any) *Schema {
	if _, ok := s.entries[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.entries[key] = SchemaEntry{
		Datatype:    datatype,
		Title:       title,
		Description: description,
		Default:     def,
	}
	return s
}

func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Keys returns the declared keys in insertion order.
func (s *Schema) Keys() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.keys...)
}

// Entry returns the declaration for one key.
func (s *Schema) Entry(key string) (SchemaEntry, bool) {
	if s == nil {
		return SchemaEntry{}, false
	}
	e, ok := s.entries[key]
	return e, ok
}

// Defaults materializes the config block for a fresh document: every
// declared key with value set to its default.
func (s *Schema) Defaults() map[string]ConfigEntry {
	if s == nil {
		return nil
	}
	out := make(map[string]ConfigEntry, len(s.keys))
	for _, k := range s.keys {
		e := s.entries[k]
		out[k] = ConfigEntry{
			Datatype:    e.Datatype,
			Title:       e.Title,
			Description: e.Description,
			Default:     e.Default,
			Value:       e.Default,
		}
	}
	return out
}
