package zkgrid

import (
	"testing"
)

func Test030_omap_ordered_iteration(t *testing.T) {
	m := newOmap[int64, int]()

	for i := range 9 {
		m.set(int64(8-i), 8-i)
	}
	want := int64(0)
	for k, v := range m.all() {
		if k != want || int64(v) != want {
			t.Fatalf("expected %v, got %v:%v", want, k, v)
		}
		want++
	}
	if m.Len() != 9 {
		t.Fatalf("Len = %v", m.Len())
	}

	// upsert does not grow the map.
	if m.set(4, 44) {
		t.Fatalf("upsert of existing key reported newlyAdded")
	}
	if m.Len() != 9 || m.get(4) != 44 {
		t.Fatalf("upsert broken")
	}
}

func Test031_omap_delete_during_iteration(t *testing.T) {
	m := newOmap[int64, int]()
	for i := range 9 {
		m.set(int64(i), i)
	}

	// deleting the currently yielded key mid-iteration is
	// allowed; the ack-trimming walk depends on it.
	for k := range m.all() {
		if k > 2 && k%2 == 1 {
			m.delkey(k)
		}
	}
	if m.Len() != 6 {
		t.Fatalf("expected 6 after deleting 3,5,7; have %v", m.Len())
	}
	expect := []int64{0, 1, 2, 4, 6, 8}
	i := 0
	for k := range m.all() {
		if k != expect[i] {
			t.Fatalf("expected %v at %v, got %v", expect[i], i, k)
		}
		i++
	}
}

func Test032_omap_all_from(t *testing.T) {
	m := newOmap[int64, int]()
	for _, k := range []int64{1, 3, 5, 7} {
		m.set(k, int(k))
	}

	collect := func(after int64) (r []int64) {
		for k := range m.allFrom(after) {
			r = append(r, k)
		}
		return
	}

	if got := collect(0); len(got) != 4 {
		t.Fatalf("allFrom(0) = %v", got)
	}
	// strictly greater: an exact hit is excluded.
	if got := collect(3); len(got) != 2 || got[0] != 5 || got[1] != 7 {
		t.Fatalf("allFrom(3) = %v", got)
	}
	// a missing key resumes at the next greater one.
	if got := collect(4); len(got) != 2 || got[0] != 5 {
		t.Fatalf("allFrom(4) = %v", got)
	}
	if got := collect(7); got != nil {
		t.Fatalf("allFrom(7) = %v", got)
	}

	if k, ok := m.minKey2(); !ok || k != 1 {
		t.Fatalf("minKey2 = %v, %v", k, ok)
	}
	m.deleteAll()
	if _, ok := m.minKey2(); ok || m.Len() != 0 {
		t.Fatalf("deleteAll left residue")
	}
}
