package zkgrid

import (
	"cmp"
	"fmt"
	"iter"

	rb "github.com/glycerine/rbtree"
)

// omap is a deterministic, ordered map for any
// cmp.Ordered key. get/set/delete are O(log n)
// per the underlying red-black tree.
//
// Unlike Go's builtin map, an omap can be
// range iterated in a repeatable (ascending key)
// order. The discovery event log and the
// by-order topology index live in omaps so that
// every node walks events and members in the
// identical sequence.
//
// Like the built-in map, omap does no internal
// locking. All mutation here happens on the
// discovery dispatch lane, so none is needed.
// Iteration pre-advances before yielding, so
// deleting the currently yielded key is allowed.
type omap[K cmp.Ordered, V any] struct {
	tree *rb.Tree
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
}

// newOmap makes a new omap.
func newOmap[K cmp.Ordered, V any]() *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			ak := a.(*okv[K, V]).key
			bk := b.(*okv[K, V]).key
			return cmp.Compare(ak, bk)
		}),
	}
}

// Len returns the number of keys stored in the omap.
func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

func (s *omap[K, V]) String() (r string) {
	r = "omap{"
	i := 0
	for k, v := range s.all() {
		if i > 0 {
			r += ", "
		}
		r += fmt.Sprintf("%v:%v", k, v)
		i++
	}
	r += "}"
	return
}

// set is an upsert. It does an insert if the key is
// not already present returning newlyAdded true;
// otherwise it updates the current key's value in place.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		prev := it.Item().(*okv[K, V])
		prev.val = val
		return
	}
	newlyAdded = true
	s.tree.InsertGetIt(query)
	return
}

// get2 returns the val corresponding to key.
func (s *omap[K, V]) get2(key K) (val V, found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		val = it.Item().(*okv[K, V]).val
	}
	return
}

// get does get2 but without the found flag.
func (s *omap[K, V]) get(key K) (val V) {
	val, _ = s.get2(key)
	return
}

// delkey deletes a key from the omap, if present.
func (s *omap[K, V]) delkey(key K) (found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		s.tree.DeleteWithIterator(it)
	}
	return
}

// deleteAll clears the tree in O(1) time.
func (s *omap[K, V]) deleteAll() {
	s.tree.DeleteAll()
}

// minKey2 returns the smallest key present.
func (s *omap[K, V]) minKey2() (key K, ok bool) {
	it := s.tree.Min()
	if it.Limit() {
		return
	}
	return it.Item().(*okv[K, V]).key, true
}

// all starts an ascending iteration over all elements
// in the omap. We pre-advance before yielding, so the
// user may delete the currently yielded key mid-iteration;
// deleting any other key during iteration is not allowed.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}

// allFrom iterates in ascending order over keys strictly
// greater than after. The event log replay keys off this
// to resume past the last processed event id.
func (s *omap[K, V]) allFrom(after K) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		query := &okv[K, V]{key: after}
		it, found := s.tree.FindGE_isEqual(query)
		if found {
			it = it.Next() // strictly greater
		}
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}

// vals returns all values in ascending key order.
func (s *omap[K, V]) vals() (r []V) {
	for _, v := range s.all() {
		r = append(r, v)
	}
	return
}
