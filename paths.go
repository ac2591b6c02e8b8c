package zkgrid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// gridPaths holds the canonical ZooKeeper layout for one
// cluster, rooted at <base>/<clusterName>:
//
//	/evts                                    data: serialized event log
//	/evts/<eventID>/joinData                 join payload for joining node
//	/evts/<eventID>/joined                   common data computed for joiner
//	/joinData                                scratch area for pre-join blobs
//	/joinData/<uuid>|<seq>                   ephemeral-sequential
//	/aliveNodes                              parent of membership tokens
//	/aliveNodes/<uuid>|<joinSeq>|<aliveSeq>  ephemeral-sequential
//	/customEvts                              parent of custom submissions
//	/customEvts/<uuid>|<seq>                 persistent-sequential
//
// The trailing sequence of an alive-node name is the
// node's internal id; the middle number points back at
// its /joinData blob.
type gridPaths struct {
	base       string
	clusterDir string

	evtsPath      string
	joinDataDir   string
	aliveNodesDir string
	customEvtsDir string
}

func newGridPaths(basePath, clusterName string) *gridPaths {
	clusterDir := basePath + "/" + clusterName
	return &gridPaths{
		base:          basePath,
		clusterDir:    clusterDir,
		evtsPath:      clusterDir + "/evts",
		joinDataDir:   clusterDir + "/joinData",
		aliveNodesDir: clusterDir + "/aliveNodes",
		customEvtsDir: clusterDir + "/customEvts",
	}
}

func (p *gridPaths) eventDir(evtID int64) string {
	return fmt.Sprintf("%v/%v", p.evtsPath, evtID)
}

// joinEventDataPath is where the coordinator republishes a
// joiner's raw joining blob for the rest of the cluster.
func (p *gridPaths) joinEventDataPath(evtID int64) string {
	return p.eventDir(evtID) + "/joinData"
}

// joinEventDataPathForJoined holds the topology snapshot
// plus common data computed for the joiner itself.
func (p *gridPaths) joinEventDataPathForJoined(evtID int64) string {
	return p.eventDir(evtID) + "/joined"
}

func (p *gridPaths) customEventDataPath(child string) string {
	return p.customEvtsDir + "/" + child
}

// aliveNodePath reconstructs a full alive-node path from
// the child name ZooKeeper reported.
func (p *gridPaths) aliveNodePath(child string) string {
	return p.aliveNodesDir + "/" + child
}

// joinDataPathForSeq rebuilds the path of a pre-join blob
// from its uuid and assigned sequence number. ZooKeeper
// left-pads sequence suffixes to 10 digits.
func (p *gridPaths) joinDataPathForSeq(nodeID uuid.UUID, joinSeq int) string {
	return fmt.Sprintf("%v/%v|%010d", p.joinDataDir, nodeID, joinSeq)
}

// name encoders: the trailing '|' is where ZooKeeper
// appends the sequence number.

func joinDataPrefix(nodeID uuid.UUID) string {
	return nodeID.String() + "|"
}

func aliveNodePrefix(nodeID uuid.UUID, joinSeq int) string {
	return fmt.Sprintf("%v|%v|", nodeID, joinSeq)
}

func customEventPrefix(nodeID uuid.UUID) string {
	return nodeID.String() + "|"
}

// name decoders. All must losslessly round-trip the
// encoders above after ZooKeeper appends its sequence.

// aliveNodeID extracts the member uuid from an
// alive-node child name.
func aliveNodeID(child string) (uuid.UUID, error) {
	i := strings.IndexByte(child, '|')
	if i < 0 {
		return uuid.Nil, fmt.Errorf("malformed alive node name: %q", child)
	}
	return uuid.Parse(child[:i])
}

// aliveInternalID extracts the internal id (the trailing
// alive sequence) from an alive-node child name.
func aliveInternalID(child string) (int, error) {
	i := strings.LastIndexByte(child, '|')
	if i < 0 || i+1 >= len(child) {
		return 0, fmt.Errorf("malformed alive node name: %q", child)
	}
	n, err := strconv.Atoi(child[i+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed alive node name %q: %v", child, err)
	}
	return n, nil
}

// aliveJoinSequence extracts the join-data sequence (the
// middle number) from an alive-node child name.
func aliveJoinSequence(child string) (int, error) {
	parts := strings.Split(child, "|")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed alive node name: %q", child)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed alive node name %q: %v", child, err)
	}
	return n, nil
}

// customEventSendNodeID extracts the sender uuid from a
// custom-event child name.
func customEventSendNodeID(child string) (uuid.UUID, error) {
	i := strings.IndexByte(child, '|')
	if i < 0 {
		return uuid.Nil, fmt.Errorf("malformed custom event name: %q", child)
	}
	return uuid.Parse(child[:i])
}

// customEventSequence extracts the submission sequence
// from a custom-event child name.
func customEventSequence(child string) (int, error) {
	i := strings.LastIndexByte(child, '|')
	if i < 0 || i+1 >= len(child) {
		return 0, fmt.Errorf("malformed custom event name: %q", child)
	}
	n, err := strconv.Atoi(child[i+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed custom event name %q: %v", child, err)
	}
	return n, nil
}

// validateZkPath enforces the ZooKeeper path rules on a
// configured base path: absolute, no trailing slash, no
// empty or relative segments.
func validateZkPath(path string) error {
	if path == "" {
		return fmt.Errorf("zk path is empty")
	}
	if path[0] != '/' {
		return fmt.Errorf("zk path %q must start with /", path)
	}
	if len(path) == 1 {
		return nil
	}
	if path[len(path)-1] == '/' {
		return fmt.Errorf("zk path %q must not end with /", path)
	}
	for _, seg := range strings.Split(path[1:], "/") {
		if seg == "" {
			return fmt.Errorf("zk path %q has an empty segment", path)
		}
		if seg == "." || seg == ".." {
			return fmt.Errorf("zk path %q has a relative segment", path)
		}
	}
	return nil
}
