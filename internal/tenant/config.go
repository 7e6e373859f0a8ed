// Package tenant holds the per-tenant configuration document, the
// extension config schema, and the in-process cache that fronts the
// persistent store.
package tenant

import (
	"encoding/json"
	"slices"
)

// ConfigEntry is one configurable key inside an extension's block of a
// tenant document. Default is what the schema declared; Value is what
// the tenant currently uses.
type ConfigEntry struct {
	Datatype    string `json:"datatype"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Default     any    `json:"default"`
	Value       any    `json:"value"`
}

// Config is the tenant configuration document, one per tenant.
type Config struct {
	GuildID             string   `json:"guild_id"`
	CommandPrefix       string   `json:"command_prefix"`
	LoggingChannel      string   `json:"logging_channel"`
	MemberEventsChannel string   `json:"member_events_channel"`
	GuildEventsChannel  string   `json:"guild_events_channel"`
	PrivateChannels     []string `json:"private_channels"`
	EnabledExtensions   []string `json:"enabled_extensions"`

	// Extensions maps extension name -> config key -> entry. Blocks
	// are append-only: once an extension registers a key it is never
	// pruned from existing documents.
	Extensions map[string]map[string]ConfigEntry `json:"extensions"`
}

// ExtensionEnabled reports whether the named extension is in the
// tenant's enabled list.
func (c *Config) ExtensionEnabled(name string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.EnabledExtensions, name)
}

// ExtensionValue returns the current value for one key of an
// extension's block, or nil when the block or key is absent.
func (c *Config) ExtensionValue(extension, key string) any {
	if c == nil {
		return nil
	}
	block, ok := c.Extensions[extension]
	if !ok {
		return nil
	}
	entry, ok := block[key]
	if !ok {
		return nil
	}
	return entry.Value
}

// StringList coerces an extension config value into a string slice.
// Loop extensions use it to read their configured channel lists; a
// value of the wrong shape returns ok=false so callers can refuse to
// guess.
func (c *Config) StringList(extension, key string) ([]string, bool) {
	v := c.ExtensionValue(extension, key)
	if v == nil {
		return nil, false
	}
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...), true
	case []any:
		out := make([]string, 0, len(x))
		for _, it := range x {
			s, ok := it.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// StringValue reads a string config value, or def when absent or of
// the wrong type.
func (c *Config) StringValue(extension, key, def string) string {
	if s, ok := c.ExtensionValue(extension, key).(string); ok {
		return s
	}
	return def
}

// IntValue reads an integer config value. JSON numbers arrive as
// float64, so both shapes are accepted.
func (c *Config) IntValue(extension, key string, def int) int {
	switch v := c.ExtensionValue(extension, key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// FloatValue reads a numeric config value, or def.
func (c *Config) FloatValue(extension, key string, def float64) float64 {
	switch v := c.ExtensionValue(extension, key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// BoolValue reads a boolean config value, or def.
func (c *Config) BoolValue(extension, key string, def bool) bool {
	if b, ok := c.ExtensionValue(extension, key).(bool); ok {
		return b
	}
	return def
}

// Clone returns a deep copy. Cached documents are shared across
// goroutines, so readers always get a copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	cp.PrivateChannels = append([]string(nil), c.PrivateChannels...)
	cp.EnabledExtensions = append([]string(nil), c.EnabledExtensions...)
	if c.Extensions != nil {
		cp.Extensions = make(map[string]map[string]ConfigEntry, len(c.Extensions))
		for name, block := range c.Extensions {
			nb := make(map[string]ConfigEntry, len(block))
			for k, e := range block {
				nb[k] = e
			}
			cp.Extensions[name] = nb
		}
	}
	return &cp
}

// SchemaShapeMatches reports whether a patch document's top-level key
// set matches the current document's. The guild id is ignored on both
// sides because the server forces it. Used by the admin config-patch
// surface to reject documents that add or drop fields.
func SchemaShapeMatches(current, patch []byte) bool {
	cur := topLevelKeys(current)
	in := topLevelKeys(patch)
	if cur == nil || in == nil {
		return false
	}
	delete(cur, "guild_id")
	delete(in, "guild_id")
	if len(cur) != len(in) {
		return false
	}
	for k := range cur {
		if _, ok := in[k]; !ok {
			return false
		}
	}
	return true
}

func topLevelKeys(doc []byte) map[string]struct{} {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil
	}
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
