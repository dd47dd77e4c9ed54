package payload

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Options configure a new Map. The zero value is case-sensitive, mutable,
// and not thread-safe — callers who share a Map across goroutines must set
// Concurrent or provide their own external locking: mutation requires
// exclusive access unless the map is constructed as Concurrent.
type Options struct {
	CaseInsensitive bool
	Concurrent      bool
	// Separator is used by the *Path methods to walk nested maps.
	// Defaults to "." when empty.
	Separator string
}

type entry struct {
	key   string // original-case key, as inserted
	value Value
}

// Map is the self-describing binary key-value map.
type Map struct {
	mu              sync.RWMutex // only engaged when concurrent is true
	concurrent      bool
	caseInsensitive bool
	readOnly        atomic.Bool
	separator       string
	entries         map[string]entry // keyed by the lookup key (lowercased if case-insensitive)
}

// New creates a Map with the given options.
func New(opts Options) *Map {
	sep := opts.Separator
	if sep == "" {
		sep = "."
	}
	return &Map{
		concurrent:      opts.Concurrent,
		caseInsensitive: opts.CaseInsensitive,
		separator:       sep,
		entries:         make(map[string]entry),
	}
}

func (m *Map) lookupKey(key string) string {
	if m.caseInsensitive {
		return strings.ToLower(key)
	}
	return key
}

func (m *Map) lock() {
	if m.concurrent {
		m.mu.Lock()
	}
}

func (m *Map) unlock() {
	if m.concurrent {
		m.mu.Unlock()
	}
}

func (m *Map) rlock() {
	if m.concurrent {
		m.mu.RLock()
	}
}

func (m *Map) runlock() {
	if m.concurrent {
		m.mu.RUnlock()
	}
}

// IsReadOnly reports whether the map has been locked via Lock.
func (m *Map) IsReadOnly() bool { return m.readOnly.Load() }

// Lock makes the map permanently read-only. There is no Unlock: once
// locked, any mutation fails, one-way by design.
func (m *Map) Lock() { m.readOnly.Store(true) }

func validateKey(key string) error {
	if len(key) > MaxKeyBytes || strings.IndexByte(key, 0) >= 0 {
		return ErrBoundsExceeded
	}
	return nil
}

func validateValue(v Value) error {
	switch v.Tag {
	case TagString:
		if len(v.str) > MaxValueBytes {
			return ErrBoundsExceeded
		}
	case TagByteArray:
		if len(v.bytes) > MaxValueBytes {
			return ErrBoundsExceeded
		}
	}
	return nil
}

// Set inserts or replaces key with value. Nesting a Map runs
// self-nesting and descendant-cycle checks; a reference back to an
// ancestor is caught by the descendant scan performed here (an ancestor
// two levels up nesting itself indirectly is detected the same way,
// since the scan walks the whole subtree).
func (m *Map) Set(key string, v Value) error {
	if m.IsReadOnly() {
		return ErrReadOnlyMap
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(v); err != nil {
		return err
	}
	if v.Tag == TagMap && v.m != nil {
		if v.m == m {
			return ErrCycleDetected
		}
		if containsReference(v.m, m, make(map[*Map]bool)) {
			return ErrCycleDetected
		}
	}
	m.lock()
	defer m.unlock()
	m.entries[m.lookupKey(key)] = entry{key: key, value: v}
	return nil
}

// containsReference reports whether target is reachable from the subtree
// rooted at m by following nested Map values, scanning the candidate's
// descendants for any reference back to itself.
func containsReference(m, target *Map, visited map[*Map]bool) bool {
	if m == nil || visited[m] {
		return false
	}
	visited[m] = true
	if m == target {
		return true
	}
	m.rlock()
	defer m.runlock()
	for _, e := range m.entries {
		if e.value.Tag == TagMap && e.value.m != nil {
			if containsReference(e.value.m, target, visited) {
				return true
			}
		}
	}
	return false
}

// Get returns the raw tagged Value for key.
func (m *Map) Get(key string) (Value, bool) {
	m.rlock()
	defer m.runlock()
	e, ok := m.entries[m.lookupKey(key)]
	if !ok {
		return Value{}, false
	}
	return e.value, true
}

func (m *Map) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

func (m *Map) GetBool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok {
		return false, false
	}
	return v.AsBool()
}

func (m *Map) GetInt64(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsInt64()
}

func (m *Map) GetUint64(key string) (uint64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsUint64()
}

func (m *Map) GetFloat64(key string) (float64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsFloat64()
}

func (m *Map) GetBytes(key string) ([]byte, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return v.AsBytes()
}

func (m *Map) GetMap(key string) (*Map, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return v.AsMap()
}

// Delete removes key, if present. Idempotent.
func (m *Map) Delete(key string) error {
	if m.IsReadOnly() {
		return ErrReadOnlyMap
	}
	m.lock()
	defer m.unlock()
	delete(m.entries, m.lookupKey(key))
	return nil
}

// Keys returns the map's keys in their original case. Insertion order
// is not semantically required, so callers should not rely on it.
func (m *Map) Keys() []string {
	m.rlock()
	defer m.runlock()
	keys := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		keys = append(keys, e.key)
	}
	return keys
}

func (m *Map) Len() int {
	m.rlock()
	defer m.runlock()
	return len(m.entries)
}

// splitPath breaks a path string on the map's separator.
func (m *Map) splitPath(path string) []string {
	return strings.Split(path, m.separator)
}

// SetPath walks (creating intermediate maps as needed) to the parent of
// the final path segment and sets it there. SetPath does NOT perform
// the nesting cycle check; a cycle introduced this way is only caught
// at Serialize.
func (m *Map) SetPath(path string, v Value) error {
	if m.IsReadOnly() {
		return ErrReadOnlyMap
	}
	segs := m.splitPath(path)
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		if err := validateKey(seg); err != nil {
			return err
		}
		cur.lock()
		lk := cur.lookupKey(seg)
		e, ok := cur.entries[lk]
		var next *Map
		if ok && e.value.Tag == TagMap && e.value.m != nil {
			next = e.value.m
		} else {
			next = New(Options{CaseInsensitive: m.caseInsensitive, Concurrent: m.concurrent, Separator: m.separator})
			cur.entries[lk] = entry{key: seg, value: Value{Tag: TagMap, m: next}}
		}
		cur.unlock()
		cur = next
	}
	last := segs[len(segs)-1]
	if err := validateKey(last); err != nil {
		return err
	}
	if err := validateValue(v); err != nil {
		return err
	}
	cur.lock()
	cur.entries[cur.lookupKey(last)] = entry{key: last, value: v}
	cur.unlock()
	return nil
}

// GetPath walks the separator-delimited path through nested maps.
func (m *Map) GetPath(path string) (Value, bool) {
	segs := m.splitPath(path)
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		sub, ok := cur.GetMap(seg)
		if !ok {
			return Value{}, false
		}
		cur = sub
	}
	return cur.Get(segs[len(segs)-1])
}

// DeletePath removes the value at path, if the intermediate maps exist.
func (m *Map) DeletePath(path string) error {
	if m.IsReadOnly() {
		return ErrReadOnlyMap
	}
	segs := m.splitPath(path)
	cur := m
	for _, seg := range segs[:len(segs)-1] {
		sub, ok := cur.GetMap(seg)
		if !ok {
			return nil
		}
		cur = sub
	}
	return cur.Delete(segs[len(segs)-1])
}

// Clone performs a deep copy, preserving flags (including ReadOnly: a
// locked map clones into another locked map, since there is no Unlock).
func (m *Map) Clone() *Map {
	m.rlock()
	clone := New(Options{CaseInsensitive: m.caseInsensitive, Concurrent: m.concurrent, Separator: m.separator})
	for _, e := range m.entries {
		v := e.value
		if v.Tag == TagMap && v.m != nil {
			v = Value{Tag: TagMap, m: v.m.Clone()}
		}
		clone.entries[clone.lookupKey(e.key)] = entry{key: e.key, value: v}
	}
	m.runlock()
	if m.IsReadOnly() {
		clone.Lock()
	}
	return clone
}

// equalEntries compares two maps as multisets of entries, used to check
// serialize/deserialize round trips.
func (m *Map) equalEntries(other *Map) bool {
	if m.Len() != other.Len() {
		return false
	}
	m.rlock()
	defer m.runlock()
	for lk, e := range m.entries {
		oe, ok := other.entries[lk]
		if !ok {
			return false
		}
		if !e.value.Equal(oe.value) {
			return false
		}
	}
	return true
}
