package fanout

import (
	"maps"
	"sync"
)

// Results is a map safe for concurrent insertion.
type Results[V any] struct {
	sync.Mutex
	values map[string]V
}

func NewResults[V any]() *Results[V] {
	return &Results[V]{values: make(map[string]V)}
}

// Put stores the value of a key, replacing any earlier value.
func (r *Results[V]) Put(key string, value V) {
	r.Lock()
	defer r.Unlock()
	r.values[key] = value
}

// Map returns a copy of the stored values.
func (r *Results[V]) Map() map[string]V {
	r.Lock()
	defer r.Unlock()
	return maps.Clone(r.values)
}
