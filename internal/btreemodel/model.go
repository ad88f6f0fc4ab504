// Package btreemodel is a trivial reference model of a B-tree's key/value
// semantics, used by the metamorphic tests for model-vs-real
// comparisons: a map has no split/merge/overflow-chain
// logic to get wrong, so disagreement between it and the real tree after
// the same operation sequence points at a bug in the real implementation
// rather than in the oracle.
package btreemodel

import "sort"

// Model is an in-memory oracle for insert/update/upsert/delete/get
// semantics, ordered by raw byte comparison (mirroring a secondary-index
// tree configured with bytes.Compare).
type Model struct {
	entries map[string]string
}

// New returns an empty Model.
func New() *Model {
	return &Model{entries: make(map[string]string)}
}

// Insert fails if key is already present, matching WriteCreate semantics.
func (m *Model) Insert(key, value string) bool {
	if _, ok := m.entries[key]; ok {
		return false
	}

	m.entries[key] = value

	return true
}

// Update fails if key is absent, matching WriteUpdate semantics.
func (m *Model) Update(key, value string) bool {
	if _, ok := m.entries[key]; !ok {
		return false
	}

	m.entries[key] = value

	return true
}

// Upsert always succeeds, matching WriteSet semantics.
func (m *Model) Upsert(key, value string) {
	m.entries[key] = value
}

// Delete removes key, reporting whether it was present.
func (m *Model) Delete(key string) bool {
	if _, ok := m.entries[key]; !ok {
		return false
	}

	delete(m.entries, key)

	return true
}

// Get returns key's value and whether it is present.
func (m *Model) Get(key string) (string, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Pair is one key/value entry.
type Pair struct {
	Key, Value string
}

// Ordered returns every live entry in ascending key order, the same
// ordering a Cursor produces for a secondary-index tree.
func (m *Model) Ordered() []Pair {
	pairs := make([]Pair, 0, len(m.entries))
	for k, v := range m.entries {
		pairs = append(pairs, Pair{Key: k, Value: v})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })

	return pairs
}

// Len returns the number of live entries.
func (m *Model) Len() int { return len(m.entries) }
