package templates

import (
	"bytes"
	"sort"
)

// Collection is an ordered list of per-layer template dictionaries. Index 0
// is the base layer; later layers override earlier ones by name.
// Collections are shared through the cache and must not be modified.
type Collection []map[string]*Template

// Lookup resolves name from the topmost layer down.
func (c Collection) Lookup(name string) (*Template, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if tpl, ok := c[i][name]; ok {
			return tpl, true
		}
	}
	return nil, false
}

// Names returns every template name across all layers, sorted.
func (c Collection) Names() []string {
	seen := make(map[string]struct{})
	for _, layer := range c {
		for name := range layer {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of templates across all layers, overrides included.
func (c Collection) Count() int {
	total := 0
	for _, layer := range c {
		total += len(layer)
	}
	return total
}

// Equal reports whether both collections hold the same layers with the same
// template names and sources.
func (c Collection) Equal(other Collection) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if len(c[i]) != len(other[i]) {
			return false
		}
		for name, tpl := range c[i] {
			otherTpl, ok := other[i][name]
			if !ok || !bytes.Equal(tpl.Source, otherTpl.Source) {
				return false
			}
		}
	}
	return true
}
