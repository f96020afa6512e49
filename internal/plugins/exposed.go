package plugins

import (
	"fmt"
	"slices"
)

type exposedEntry struct {
	plugin      string
	fn          ExposedFunc
	overridable bool
}

// ExposedTable is the host-wide table of published functions. It is built
// once and never modified afterwards.
type ExposedTable struct {
	entries map[string]exposedEntry
	names   []string
}

// MergeExposed folds every registry's exposed functions in order. A later
// plugin may replace a name only when the current holder marked it overridable.
func MergeExposed(regs []*Registry) (*ExposedTable, error) {
	t := &ExposedTable{entries: make(map[string]exposedEntry)}

	for _, reg := range regs {
		for _, b := range reg.Exposed() {
			prev, taken := t.entries[b.Name]
			if taken && !prev.overridable {
				return nil, newError(
					ErrDuplicateExposedSymbol, reg.Plugin(), b.Name,
					fmt.Errorf("already exposed by %q without override", prev.plugin),
				)
			}
			if !taken {
				t.names = append(t.names, b.Name)
			}
			t.entries[b.Name] = exposedEntry{plugin: reg.Plugin(), fn: b.Fn, overridable: b.Overridable}
		}
	}

	return t, nil
}

// Lookup returns the function published under name and the plugin owning it.
func (t *ExposedTable) Lookup(name string) (ExposedFunc, string, bool) {
	if t == nil {
		return nil, "", false
	}
	e, ok := t.entries[name]

	return e.fn, e.plugin, ok
}

// Names returns the published names in first-exposure order.
func (t *ExposedTable) Names() []string {
	if t == nil {
		return nil
	}

	return slices.Clone(t.names)
}
