// Package merge accumulates records across fetch batches without duplicates.
package merge

// Collection holds records in insertion order, indexed by key. The first
// record seen for a key wins. A Collection is not safe for concurrent use.
type Collection[K comparable, V any] struct {
	keyOf func(V) K
	index map[K]int
	items []V
}

// NewCollection creates an empty collection keyed by keyOf.
func NewCollection[K comparable, V any](keyOf func(V) K) *Collection[K, V] {
	return &Collection[K, V]{keyOf: keyOf, index: make(map[K]int)}
}

// Merge appends the records of batch whose keys are not yet present,
// including duplicates within batch itself. It returns how many were added.
func (c *Collection[K, V]) Merge(batch []V) int {
	added := 0
	for _, v := range batch {
		k := c.keyOf(v)
		if _, ok := c.index[k]; ok {
			continue
		}
		c.index[k] = len(c.items)
		c.items = append(c.items, v)
		added++
	}
	return added
}

// Len returns the number of records.
func (c *Collection[K, V]) Len() int { return len(c.items) }

// Has reports whether a record with key k is present.
func (c *Collection[K, V]) Has(k K) bool {
	_, ok := c.index[k]
	return ok
}

// Get returns the record stored under k.
func (c *Collection[K, V]) Get(k K) (V, bool) {
	i, ok := c.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	return c.items[i], true
}

// Items returns a copy of the records in insertion order.
func (c *Collection[K, V]) Items() []V {
	out := make([]V, len(c.items))
	copy(out, c.items)
	return out
}

// Keys returns the keys in insertion order.
func (c *Collection[K, V]) Keys() []K {
	out := make([]K, len(c.items))
	for i, v := range c.items {
		out[i] = c.keyOf(v)
	}
	return out
}

// RemoveFunc drops every record for which drop returns true and returns the
// number removed. Order of the survivors is preserved.
func (c *Collection[K, V]) RemoveFunc(drop func(V) bool) int {
	kept := c.items[:0]
	removed := 0
	for _, v := range c.items {
		if drop(v) {
			delete(c.index, c.keyOf(v))
			removed++
			continue
		}
		kept = append(kept, v)
	}
	clear(c.items[len(kept):])
	c.items = kept
	for i, v := range c.items {
		c.index[c.keyOf(v)] = i
	}
	return removed
}
