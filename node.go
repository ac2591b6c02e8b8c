package zkgrid

import (
	"fmt"

	"github.com/google/uuid"
)

// Node is one member of the cluster.
//
// ID is stable for the life of the process. InternalID and
// Order are assigned by the coordinator when the node's
// join event is generated: InternalID is the alive-znode
// sequence (election order, monotone over alive history),
// Order is the topology version at which the node joined
// (monotone over the cluster's lifetime, stable while the
// node is alive).
type Node struct {
	ID uuid.UUID `json:"id"`

	// Addrs are the node's advertised addresses;
	// opaque to the discovery engine.
	Addrs []string `json:"addrs,omitempty"`

	// Attrs carry host-assigned metadata, exchanged
	// at join time.
	Attrs map[string]string `json:"attrs,omitempty"`

	Order      int64 `json:"order"`
	InternalID int   `json:"internalId"`
}

func (n *Node) String() string {
	return fmt.Sprintf("Node{id:%v, order:%v, internalId:%v}",
		n.ID, n.Order, n.InternalID)
}

// EventKind enumerates the notifications a
// DiscoveryListener can receive.
type EventKind int32

const (
	NodeJoined EventKind = iota + 1
	NodeFailed
	DiscoveryCustom
	NodeSegmented
)

func (k EventKind) String() string {
	switch k {
	case NodeJoined:
		return "NODE_JOINED"
	case NodeFailed:
		return "NODE_FAILED"
	case DiscoveryCustom:
		return "DISCOVERY_CUSTOM"
	case NodeSegmented:
		return "NODE_SEGMENTED"
	}
	return fmt.Sprintf("EventKind(%v)", int32(k))
}

// DiscoveryListener is the host process's sink for
// discovery notifications. It is invoked on the discovery
// dispatch lane: callbacks for one node never run
// concurrently with each other, and arrive in strictly
// ascending event order.
//
// snapshot is the topology ordered by Node.Order. msg is
// non-nil only for DiscoveryCustom.
type DiscoveryListener interface {
	OnDiscovery(kind EventKind, topVer int64, node *Node, snapshot []*Node, msg interface{})
}

// DataBag carries the data exchanged between a joining
// node and the cluster, keyed by host component name. The
// subject node is identified by NodeID.
type DataBag struct {
	NodeID uuid.UUID `json:"nodeId"`

	// JoiningData is filled by the joiner and consumed
	// by every existing member.
	JoiningData map[string][]byte `json:"joiningData,omitempty"`

	// CommonData is filled by the coordinator on behalf
	// of the cluster and consumed by the joiner.
	CommonData map[string][]byte `json:"commonData,omitempty"`
}

// DataExchange is the host's join-time data collaborator.
//
// Collect fills the bag with this node's payloads:
// JoiningData when the bag subject is the local node
// pre-join, CommonData when the coordinator collects on
// behalf of a joiner. OnExchange consumes a foreign bag.
type DataExchange interface {
	Collect(bag *DataBag)
	OnExchange(bag *DataBag)
}

// joiningNodeData is the blob a joiner writes under
// /joinData before creating its alive znode.
type joiningNodeData struct {
	Node      *Node             `json:"node"`
	DiscoData map[string][]byte `json:"discoData,omitempty"`
}

// dataForJoined is computed by the coordinator for the
// joiner: the pre-join topology plus the cluster's common
// data. Stored at /evts/<id>/joined until acked by all.
type dataForJoined struct {
	Topology   []*Node           `json:"topology"`
	CommonData map[string][]byte `json:"commonData,omitempty"`
}

// aliveNodeData is the small record every member writes to
// its own alive znode so the coordinator can track ack
// progress.
type aliveNodeData struct {
	LastProcEvt int64 `json:"lastProcEvt"`
}
