package zkgrid

import (
	"testing"

	"github.com/google/uuid"
)

func Test020_view_indices_agree(t *testing.T) {
	v := newClusterView()

	a := &Node{ID: uuid.New(), Order: 1, InternalID: 0}
	b := &Node{ID: uuid.New(), Order: 2, InternalID: 5}
	c := &Node{ID: uuid.New(), Order: 3, InternalID: 9}

	// insert out of order; the snapshot is by Order.
	v.add(c)
	v.add(a)
	v.add(b)

	if v.size() != 3 {
		t.Fatalf("size = %v", v.size())
	}
	snap := v.snapshot()
	if len(snap) != 3 || snap[0] != a || snap[1] != b || snap[2] != c {
		t.Fatalf("snapshot not ordered by Order: %v", snap)
	}
	if v.byUUID(b.ID) != b {
		t.Fatalf("byUUID miss")
	}
	if v.getByInternalID(9) != c {
		t.Fatalf("getByInternalID miss")
	}
	if !v.containsInternalID(5) || v.containsInternalID(4) {
		t.Fatalf("containsInternalID wrong")
	}

	rm := v.remoteNodes(a.ID)
	if len(rm) != 2 || rm[0] != b || rm[1] != c {
		t.Fatalf("remoteNodes(a) = %v", rm)
	}
}

func Test021_remove_is_atomic_across_indices(t *testing.T) {
	v := newClusterView()

	a := &Node{ID: uuid.New(), Order: 1, InternalID: 0}
	b := &Node{ID: uuid.New(), Order: 2, InternalID: 5}
	v.add(a)
	v.add(b)

	gone := v.removeByInternalID(5)
	if gone != b {
		t.Fatalf("removeByInternalID returned %v", gone)
	}
	if v.byUUID(b.ID) != nil {
		t.Fatalf("byID still holds removed node")
	}
	if v.containsInternalID(5) {
		t.Fatalf("byInternalID still holds removed node")
	}
	if len(v.snapshot()) != 1 {
		t.Fatalf("byOrder still holds removed node")
	}

	if v.removeByInternalID(5) != nil {
		t.Fatalf("double remove must return nil")
	}

	ids := internalIDs(v.snapshot())
	if len(ids) != 1 || !ids[0] {
		t.Fatalf("internalIDs of survivor wrong: %v", ids)
	}
}
