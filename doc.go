// Package zkgrid implements cluster membership and
// discovery on top of a shared ZooKeeper ensemble.
//
// ZooKeeper is the single source of truth for three
// things: which nodes are currently alive (ephemeral
// znodes under /aliveNodes), a totally-ordered log of
// discovery events (joins, failures, and opaque custom
// broadcasts, stored whole at /evts), and the data
// exchanged between a new member and the cluster at join
// time.
//
// One elected coordinator -- the alive node with the
// minimum internal id -- is the sole writer of the event
// log. Everyone else replays the identical log from /evts,
// so every surviving listener in the cluster observes the
// same events, with the same topology versions, in the
// same order. Members acknowledge progress by writing
// their last processed event id back onto their own alive
// znode, which lets the coordinator garbage collect event
// payloads once every member has caught up.
//
// The engine survives coordinator failure (next-in-line
// election over the internal-id order), concurrent member
// churn, and out-of-order asynchronous watch delivery.
// ZooKeeper session loss is terminal: the listener
// receives a single NODE_SEGMENTED and the host should
// construct a fresh Discovery if it wants to rejoin.
//
// See discovery.go for the engine itself, zkclient.go for
// the retrying ZooKeeper facade, events.go for the event
// log model, and cmd/zkgridnode for a small demo node.
package zkgrid
