// Package endpoint maps logical WebChart resource names to the physical path
// segments the backend expects. Lookups are case-insensitive.
package endpoint

import (
	"fmt"
	"maps"
	"slices"

	"golang.org/x/text/cases"
)

// defaultEndpoints is the built-in logical-name table. Config [endpoints]
// entries are merged over it before the Table is built.
var defaultEndpoints = map[string]string{
	"Patient":      "patients",
	"Encounter":    "encounters",
	"Document":     "documents",
	"Observation":  "observations",
	"Allergy":      "allergies",
	"Medication":   "medications",
	"Problem":      "problems",
	"Appointment":  "appointments",
	"Immunization": "immunizations",
	"User":         "users",
}

// entry keeps the spelling the caller used so listings stay readable.
type entry struct {
	name string
	path string
}

// Table is an immutable logical-name to physical-path mapping. Safe for
// concurrent use because nothing mutates it after NewTable returns.
type Table struct {
	entries map[string]entry
}

// fold normalizes a name for comparison. cases.Caser is stateful, so a fresh
// one is created per call.
func fold(name string) string {
	return cases.Fold().String(name)
}

// NewTable builds a Table from name→path pairs. Two names that differ only
// in case are rejected because lookups could not tell them apart.
func NewTable(m map[string]string) (*Table, error) {
	t := &Table{entries: make(map[string]entry, len(m))}

	// Sorted so the collision error is deterministic.
	for _, name := range slices.Sorted(maps.Keys(m)) {
		key := fold(name)
		if prev, ok := t.entries[key]; ok {
			return nil, fmt.Errorf("endpoint: %q and %q differ only in case", prev.name, name)
		}

		t.entries[key] = entry{name: name, path: m[name]}
	}

	return t, nil
}

// DefaultTable returns a Table built from the built-in endpoints.
func DefaultTable() *Table {
	t, err := NewTable(defaultEndpoints)
	if err != nil {
		panic(err) // built-in table is known to be collision-free
	}

	return t
}

// Defaults returns a copy of the built-in name→path pairs.
func Defaults() map[string]string {
	return maps.Clone(defaultEndpoints)
}

// Merge overlays overrides onto base, matching names case-insensitively so an
// override of "patient" replaces the built-in "Patient" instead of colliding.
// Two overrides that differ only in case are rejected.
func Merge(base, overrides map[string]string) (map[string]string, error) {
	seen := make(map[string]string, len(overrides))

	for _, name := range slices.Sorted(maps.Keys(overrides)) {
		key := fold(name)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("endpoint: overrides %q and %q differ only in case", prev, name)
		}

		seen[key] = name
	}

	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(overrides))
	}

	for name, path := range overrides {
		for existing := range out {
			if fold(existing) == fold(name) {
				delete(out, existing)
			}
		}

		out[name] = path
	}

	return out, nil
}

// Resolve returns the physical path for a logical name. The second return
// value is false for unknown names; whether to fall back to the raw name is
// the caller's decision.
func (t *Table) Resolve(name string) (string, bool) {
	e, ok := t.entries[fold(name)]
	if !ok {
		return "", false
	}

	return e.path, true
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Names returns the logical names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		names = append(names, e.name)
	}

	slices.Sort(names)

	return names
}
