package zkgrid

import (
	"sync"

	"github.com/google/uuid"
)

// clusterView indexes the currently-joined members three
// ways: by uuid, by internal id, and by topology order.
// All three always hold exactly the same set.
//
// Mutation happens only on the discovery dispatch lane
// (single writer). The mutex exists for the query API
// (RemoteNodes/Node/PingNode), which the host may call
// from any goroutine.
type clusterView struct {
	mut sync.RWMutex

	byID         map[uuid.UUID]*Node
	byInternalID map[int]*Node
	byOrder      *omap[int64, *Node]
}

func newClusterView() *clusterView {
	return &clusterView{
		byID:         make(map[uuid.UUID]*Node),
		byInternalID: make(map[int]*Node),
		byOrder:      newOmap[int64, *Node](),
	}
}

func (v *clusterView) add(n *Node) {
	v.mut.Lock()
	defer v.mut.Unlock()

	v.byID[n.ID] = n
	v.byInternalID[n.InternalID] = n
	v.byOrder.set(n.Order, n)
}

// removeByInternalID drops the node from all three indices
// atomically and returns it, or nil if unknown.
func (v *clusterView) removeByInternalID(internalID int) *Node {
	v.mut.Lock()
	defer v.mut.Unlock()

	n, ok := v.byInternalID[internalID]
	if !ok {
		return nil
	}
	delete(v.byInternalID, internalID)
	delete(v.byID, n.ID)
	v.byOrder.delkey(n.Order)
	return n
}

func (v *clusterView) byUUID(id uuid.UUID) *Node {
	v.mut.RLock()
	defer v.mut.RUnlock()
	return v.byID[id]
}

func (v *clusterView) getByInternalID(internalID int) *Node {
	v.mut.RLock()
	defer v.mut.RUnlock()
	return v.byInternalID[internalID]
}

func (v *clusterView) containsInternalID(internalID int) bool {
	v.mut.RLock()
	defer v.mut.RUnlock()
	_, ok := v.byInternalID[internalID]
	return ok
}

func (v *clusterView) size() int {
	v.mut.RLock()
	defer v.mut.RUnlock()
	return len(v.byID)
}

// snapshot returns the members ordered by topology order.
func (v *clusterView) snapshot() []*Node {
	v.mut.RLock()
	defer v.mut.RUnlock()
	return v.byOrder.vals()
}

// internalIDs returns the internal ids of a topology
// snapshot; used to seed event ack-sets.
func internalIDs(top []*Node) map[int]bool {
	r := make(map[int]bool, len(top))
	for _, n := range top {
		r[n.InternalID] = true
	}
	return r
}

// remoteNodes returns every member except the one with
// the given uuid.
func (v *clusterView) remoteNodes(self uuid.UUID) (r []*Node) {
	v.mut.RLock()
	defer v.mut.RUnlock()
	for _, n := range v.byOrder.all() {
		if n.ID != self {
			r = append(r, n)
		}
	}
	return
}
