package zkgrid

// The discovery engine: cluster membership over a shared
// ZooKeeper ensemble.
//
// Every member writes an ephemeral-sequential znode under
// /aliveNodes; the trailing sequence number becomes the
// node's internal id. The alive node with the minimum
// internal id is the coordinator: the sole writer of the
// canonical event log stored at /evts. The coordinator
// watches the alive-set and the /customEvts submission
// queue, synthesizes join/fail/custom events into the log,
// and persists the whole log with a single setData. Every
// other member watches /evts and replays the identical
// log locally, so all listeners observe the same events
// at the same topology versions in the same order.
//
// Election is next-in-line: a non-coordinator watches only
// its immediate predecessor in internal-id order. When the
// predecessor's znode disappears it re-reads the children
// and re-runs the election, which avoids the herd effect
// and yields exactly one coordinator per ZooKeeper view.
//
// Each event carries a remaining-ack set of internal ids.
// Members report progress by periodically writing their
// last processed event id onto their own alive znode; the
// coordinator watches those and garbage collects an
// event's external payloads (/evts/<id>/joinData,
// /evts/<id>/joined, /customEvts/<path>) once every member
// in the set has either acknowledged or failed.
//
// Control flow is callback driven but logically single
// threaded: every ZooKeeper callback is posted onto one
// dispatch lane (the run loop below), so state never needs
// finer locking. The only cross-thread surfaces are the
// query API (which reads a mutex-guarded view) and the
// connection-loss callback, which posts a terminal message
// into the lane. Session loss is terminal: the listener
// sees exactly one NODE_SEGMENTED and nothing after; the
// host is expected to build a fresh Discovery if it wants
// back in.

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

// ErrSegmented is the join outcome when the ZooKeeper
// session is lost before the local join event arrives.
var ErrSegmented = errors.New("zkgrid: local node SEGMENTED")

// ErrStopped is the join outcome when Stop is called
// before the local join completes.
var ErrStopped = errors.New("zkgrid: node stopped")

// Discovery is one node's membership engine.
type Discovery struct {
	cfg      Config
	paths    *gridPaths
	codec    Codec
	lsnr     DiscoveryListener
	exchange DataExchange

	ackThreshold int

	locNode *Node
	zc      *Client

	// test substrate: when simConn is set, JoinTopology
	// drives it instead of dialing a real ensemble.
	simConn          zkConn
	simSessionEvents <-chan zk.Event

	halt   *idem.Halter
	laneCh chan func()

	joinLatch *loquet.Chan[struct{}]
	joinOnce  sync.Once
	joinErr   error

	gridStartTime atomic.Int64
	stopped       atomic.Bool

	// everything below is owned by the dispatch lane.
	joined        bool
	crd           bool
	evtsData      *eventsData
	top           *clusterView
	locNodeZkPath string
	internalID    int
	locNodeInfo   aliveNodeData
	procEvtCnt    int
}

// NewDiscovery validates cfg and builds the engine for
// locNode. Call JoinTopology to participate.
func NewDiscovery(cfg Config, locNode *Node) (*Discovery, error) {
	if locNode == nil || locNode.ID == uuid.Nil {
		return nil, fmt.Errorf("local node must have a uuid")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	codec := cfg.Codec
	if codec == nil {
		codec = DefaultCodec()
	}
	s := &Discovery{
		cfg:          cfg,
		paths:        newGridPaths(cfg.BasePath, cfg.ClusterName),
		codec:        codec,
		lsnr:         cfg.Listener,
		exchange:     cfg.Exchange,
		ackThreshold: ackThresholdFromEnv(),
		locNode:      locNode,
		halt:         idem.NewHalter(),
		laneCh:       make(chan func(), 1024),
		joinLatch:    loquet.NewChan[struct{}](nil),
		top:          newClusterView(),
	}
	return s, nil
}

// run is the dispatch lane: the sole goroutine allowed to
// touch the discovery state machine.
func (s *Discovery) run() {
	defer s.halt.Done.Close()
	for {
		select {
		case f := <-s.laneCh:
			// a terminal transition may have closed
			// ReqStop while f sat in the queue.
			if s.halt.ReqStop.IsClosed() {
				return
			}
			f()
		case <-s.halt.ReqStop.Chan:
			return
		}
	}
}

// post routes a callback onto the dispatch lane. Dropped
// silently after terminal stop.
func (s *Discovery) post(f func()) {
	select {
	case s.laneCh <- f:
	case <-s.halt.ReqStop.Chan:
	}
}

// JoinTopology performs the join protocol and blocks until
// the local join event has been replayed (or immediately,
// for the first member of a new cluster). It warn-logs
// every 10 seconds while waiting; there is no hard
// deadline. On session loss before joining it returns
// ErrSegmented.
func (s *Discovery) JoinTopology() error {
	bag := &DataBag{NodeID: s.locNode.ID}
	s.exchange.Collect(bag)

	joinData := &joiningNodeData{Node: s.locNode, DiscoData: bag.JoiningData}

	joinDataBytes, err := s.codec.Marshal(joinData)
	if err != nil {
		return fmt.Errorf("marshal joining node data: %w", err)
	}

	if s.simConn != nil {
		s.zc = newClientFromConn(s.simConn, s.simSessionEvents, s.onConnectionLoss)
	} else {
		zc, err := newClient(s.cfg.ConnectString, s.cfg.SessionTimeout, s.onConnectionLoss)
		if err != nil {
			return fmt.Errorf("create zookeeper client: %w", err)
		}
		s.zc = zc
	}

	go s.run()

	if err := s.initZkNodes(); err != nil {
		return err
	}
	if err := s.startJoin(joinDataBytes); err != nil {
		return err
	}

	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-s.joinLatch.WhenClosed():
			return s.joinErr
		case <-tick.C:
			alwaysPrintf("waiting for local join event [nodeId=%v]", s.locNode.ID)
		}
	}
}

// initZkNodes ensures the cluster layout exists. The
// alive-nodes directory is created last: its existence is
// the sentinel that all the others are in place.
func (s *Discovery) initZkNodes() error {
	ok, err := s.zc.Exists(s.paths.aliveNodesDir)
	if err != nil {
		return fmt.Errorf("initialize zookeeper nodes: %w", err)
	}
	if ok {
		return nil
	}
	dirs := []string{
		s.paths.base,
		s.paths.clusterDir,
		s.paths.evtsPath,
		s.paths.joinDataDir,
		s.paths.customEvtsDir,
		s.paths.aliveNodesDir,
	}
	if _, err := s.zc.CreateAllIfNeeded(dirs); err != nil {
		return fmt.Errorf("initialize zookeeper nodes: %w", err)
	}
	return nil
}

// startJoin writes the pre-join blob and the alive znode,
// then kicks off the election and the /evts replay watch.
func (s *Discovery) startJoin(joinDataBytes []byte) error {
	path, err := s.zc.CreateIfNeeded(
		s.paths.joinDataDir+"/"+joinDataPrefix(s.locNode.ID),
		joinDataBytes,
		zk.FlagEphemeral|zk.FlagSequence)
	if err != nil {
		return fmt.Errorf("create join data: %w", err)
	}

	seqNum, err := strconv.Atoi(path[strings.LastIndexByte(path, '|')+1:])
	if err != nil {
		return fmt.Errorf("parse join data sequence from %q: %w", path, err)
	}

	alivePath, err := s.zc.CreateIfNeeded(
		s.paths.aliveNodesDir+"/"+aliveNodePrefix(s.locNode.ID, seqNum),
		nil,
		zk.FlagEphemeral|zk.FlagSequence)
	if err != nil {
		return fmt.Errorf("create alive node: %w", err)
	}
	s.locNodeZkPath = alivePath

	internalID, err := aliveInternalID(alivePath[strings.LastIndexByte(alivePath, '/')+1:])
	if err != nil {
		return fmt.Errorf("parse alive node name: %w", err)
	}
	s.internalID = internalID

	// one-shot children read drives the first election.
	s.zc.GetChildrenAsync(s.paths.aliveNodesDir, false, func(path string, children []string, err error) {
		s.post(func() {
			if err != nil {
				s.onFatalError(err)
				return
			}
			s.checkIsCoordinator(children)
		})
	})

	// every node watches /evts; non-coordinators replay
	// from it.
	s.zc.GetDataAsync(s.paths.evtsPath, true, func(path string, data []byte, err error) {
		s.post(func() {
			s.onEvtsData(data, err)
		})
	})

	return nil
}

// aliveEntry pairs an alive-node child name with its
// decoded internal id.
type aliveEntry struct {
	internalID int
	name       string
}

func sortedAliveEntries(aliveNodes []string) ([]aliveEntry, error) {
	entries := make([]aliveEntry, 0, len(aliveNodes))
	for _, child := range aliveNodes {
		id, err := aliveInternalID(child)
		if err != nil {
			return nil, err
		}
		entries = append(entries, aliveEntry{internalID: id, name: child})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].internalID < entries[j].internalID
	})
	return entries, nil
}

// checkIsCoordinator runs the next-in-line election: the
// minimum internal id is the coordinator; everyone else
// watches its immediate predecessor.
func (s *Discovery) checkIsCoordinator(aliveNodes []string) {
	entries, err := sortedAliveEntries(aliveNodes)
	if err != nil {
		s.onFatalError(err)
		return
	}
	if len(entries) == 0 {
		s.onFatalError(fmt.Errorf("election with empty alive set"))
		return
	}

	if entries[0].internalID == s.internalID {
		s.onBecomeCoordinator(aliveNodes)
		return
	}

	// find the floor entry below our internal id.
	var prev *aliveEntry
	for i := range entries {
		if entries[i].internalID >= s.internalID {
			break
		}
		prev = &entries[i]
	}
	if prev == nil {
		s.onFatalError(fmt.Errorf("node %v (internalId %v) not minimal but has no predecessor in %v",
			s.locNode.ID, s.internalID, aliveNodes))
		return
	}

	vv("discovery coordinator already exists, watch for previous node [locId=%v, prevPath=%v]",
		s.locNode.ID, prev.name)

	s.zc.ExistsWatchGone(s.paths.aliveNodePath(prev.name), func(path string) {
		s.post(func() {
			s.onPreviousNodeFail()
		})
	})
}

// onPreviousNodeFail re-reads the children and re-runs the
// election rather than promoting unconditionally; with two
// predecessors failing in one window the floor entry may
// have changed under us.
func (s *Discovery) onPreviousNodeFail() {
	vv("previous node failed, check is node new coordinator [locId=%v]", s.locNode.ID)

	s.zc.GetChildrenAsync(s.paths.aliveNodesDir, false, func(path string, children []string, err error) {
		s.post(func() {
			if err != nil {
				s.onFatalError(err)
				return
			}
			s.checkIsCoordinator(children)
		})
	})
}

// onBecomeCoordinator loads or seeds the event log, then
// arms the watches that drive event generation and ack
// processing.
func (s *Discovery) onBecomeCoordinator(aliveNodes []string) {
	data, err := s.zc.GetData(s.paths.evtsPath)
	if err != nil {
		s.onFatalError(fmt.Errorf("read event log: %w", err))
		return
	}
	if len(data) > 0 {
		evts, err := decodeEventsData(s.codec, data)
		if err != nil {
			s.onFatalError(err)
			return
		}
		if err := s.replayEvents(evts); err != nil {
			s.onFatalError(err)
			return
		}
		s.evtsData = evts
	}

	s.crd = true

	if s.joined {
		vv("node is new discovery coordinator [locId=%v]", s.locNode.ID)

		// rebuild every pending event's ack-set against
		// the live topology. Joiners that never arrived
		// drop out; anything now fully acked is trimmed.
		ackIDs := internalIDs(s.top.snapshot())
		delete(ackIDs, s.internalID)

		for _, evt := range s.evtsData.evts.all() {
			evt.resetRemainingAcks(ackIDs)

			if evt.allAcksReceived() {
				s.processNodesAckEvent(evt)
				s.evtsData.evts.delkey(evt.ID)
			}
		}
	} else {
		vv("node is first cluster node [locId=%v]", s.locNode.ID)

		if err := s.newClusterStarted(); err != nil {
			s.onFatalError(err)
			return
		}
	}

	s.zc.GetChildrenAsync(s.paths.aliveNodesDir, true, func(path string, children []string, err error) {
		s.post(func() {
			if err != nil {
				s.onFatalError(err)
				return
			}
			s.generateTopologyEvents(children)
		})
	})
	s.zc.GetChildrenAsync(s.paths.customEvtsDir, true, func(path string, children []string, err error) {
		s.post(func() {
			if err != nil {
				s.onFatalError(err)
				return
			}
			s.generateCustomEvents(children)
		})
	})

	for _, alivePath := range aliveNodes {
		s.watchAliveNodeData(alivePath)
	}
}

// watchAliveNodeData observes another member's alive znode
// for ack progress.
func (s *Discovery) watchAliveNodeData(alivePath string) {
	path := s.paths.aliveNodePath(alivePath)
	if path == s.locNodeZkPath {
		return
	}
	s.zc.GetDataAsync(path, true, func(path string, data []byte, err error) {
		s.post(func() {
			s.onAliveNodeData(path, data, err)
		})
	})
}

// onAliveNodeData applies one member's reported progress
// to every pending event, trimming events that become
// fully acknowledged.
func (s *Discovery) onAliveNodeData(path string, data []byte, err error) {
	if !s.crd {
		return
	}
	if errors.Is(err, zk.ErrNoNode) {
		// the node disappeared; its fail event handles
		// the rest.
		pp("alive node callback, no node: %v", path)
		return
	}
	if err != nil {
		if errors.Is(err, ErrClientFailed) {
			return
		}
		s.onFatalError(err)
		return
	}
	if len(data) == 0 {
		return
	}
	var info aliveNodeData
	if err := s.codec.Unmarshal(data, &info); err != nil {
		s.onFatalError(fmt.Errorf("decode alive node data at %v: %w", path, err))
		return
	}
	internalID, err := aliveInternalID(path[strings.LastIndexByte(path, '/')+1:])
	if err != nil {
		s.onFatalError(err)
		return
	}

	for _, evt := range s.evtsData.evts.all() {
		if evt.onAckReceived(internalID, info.LastProcEvt) {
			s.processNodesAckEvent(evt)
			s.evtsData.evts.delkey(evt.ID)
		}
	}
}

// generateTopologyEvents diffs the observed alive-set
// against the local view and appends Join/Fail events.
func (s *Discovery) generateTopologyEvents(aliveNodes []string) {
	if !s.crd {
		return
	}

	vv("process alive nodes change: %v", aliveNodes)

	entries, err := sortedAliveEntries(aliveNodes)
	if err != nil {
		s.onFatalError(err)
		return
	}
	alives := make(map[int]bool, len(entries))
	for _, e := range entries {
		alives[e.internalID] = true
	}

	// working copy of the topology, by order.
	curTop := newOmap[int64, *Node]()
	for _, n := range s.top.snapshot() {
		curTop.set(n.Order, n)
	}

	newEvts := false

	// joins in ascending internal-id order.
	for _, e := range entries {
		if s.top.containsInternalID(e.internalID) {
			continue
		}
		added, err := s.generateNodeJoin(curTop, e.internalID, e.name)
		if err != nil {
			s.onFatalError(err)
			return
		}
		if added {
			s.watchAliveNodeData(e.name)
			newEvts = true
		}
	}

	// fails: in the view but no longer alive.
	var failedIDs []int
	for _, n := range s.top.snapshot() {
		if !alives[n.InternalID] {
			failedIDs = append(failedIDs, n.InternalID)
		}
	}
	sort.Ints(failedIDs)
	for _, internalID := range failedIDs {
		failedNode := s.top.getByInternalID(internalID)

		s.processEventAcksOnNodeFail(internalID)

		s.generateNodeFail(curTop, failedNode)

		newEvts = true
	}

	if newEvts {
		s.persistAndReplay()
	}
}

// generateNodeFail appends a Fail event for failedNode.
// The ack-set is the post-fail topology minus ourselves.
func (s *Discovery) generateNodeFail(curTop *omap[int64, *Node], failedNode *Node) {
	curTop.delkey(failedNode.Order)

	s.evtsData.TopVer++
	s.evtsData.EvtIDGen++

	evt := &discoEvent{
		ID:               s.evtsData.EvtIDGen,
		TopVer:           s.evtsData.TopVer,
		Kind:             NodeFailed,
		FailedInternalID: failedNode.InternalID,
	}

	ackIDs := omapInternalIDs(curTop)
	delete(ackIDs, s.internalID)

	s.evtsData.addEvent(ackIDs, evt)

	vv("generated NODE_FAILED event [topVer=%v, nodeId=%v]", evt.TopVer, failedNode.ID)
}

func omapInternalIDs(top *omap[int64, *Node]) map[int]bool {
	r := make(map[int]bool, top.Len())
	for _, n := range top.all() {
		r[n.InternalID] = true
	}
	return r
}

// generateNodeJoin reads the joiner's pre-join blob and
// appends a Join event. Reports added false when the
// joiner died before completing (blob gone) or its blob
// does not decode (treated as dead on arrival).
func (s *Discovery) generateNodeJoin(curTop *omap[int64, *Node], internalID int, aliveNodePath string) (added bool, err error) {
	nodeID, err := aliveNodeID(aliveNodePath)
	if err != nil {
		return false, err
	}
	joinSeq, err := aliveJoinSequence(aliveNodePath)
	if err != nil {
		return false, err
	}

	joinDataPath := s.paths.joinDataPathForSeq(nodeID, joinSeq)

	joinData, err := s.zc.GetData(joinDataPath)
	if errors.Is(err, zk.ErrNoNode) {
		alwaysPrintf("failed to read joining node data, node left before join process finished: %v", nodeID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var joining joiningNodeData
	if err := s.codec.Unmarshal(joinData, &joining); err != nil || joining.Node == nil || joining.Node.ID != nodeID {
		alwaysPrintf("failed to decode joining node data, treating joiner as dead on arrival: %v (err=%v)", nodeID, err)
		return false, nil
	}

	joinedNode := joining.Node

	s.evtsData.TopVer++
	s.evtsData.EvtIDGen++

	joinedNode.Order = s.evtsData.TopVer
	joinedNode.InternalID = internalID

	// hand the joiner's data to the host, then collect
	// the cluster's common data for the joiner.
	s.exchange.OnExchange(&DataBag{NodeID: nodeID, JoiningData: joining.DiscoData})

	collectBag := &DataBag{NodeID: nodeID}
	s.exchange.Collect(collectBag)

	// snapshot of the pre-join topology; the joiner adds
	// itself on replay.
	forJoined := &dataForJoined{
		Topology:   curTop.vals(),
		CommonData: collectBag.CommonData,
	}

	curTop.set(joinedNode.Order, joinedNode)

	evt := &discoEvent{
		ID:               s.evtsData.EvtIDGen,
		TopVer:           s.evtsData.TopVer,
		Kind:             NodeJoined,
		NodeID:           joinedNode.ID,
		JoinedInternalID: internalID,
		joiningData:      &joining,
	}

	// the ack-set is the post-join topology minus
	// ourselves: the joiner must confirm it consumed its
	// /joined blob before either blob can be deleted.
	ackIDs := omapInternalIDs(curTop)
	delete(ackIDs, s.internalID)

	s.evtsData.addEvent(ackIDs, evt)

	forJoinedBytes, err := s.codec.Marshal(forJoined)
	if err != nil {
		return false, err
	}

	if _, err := s.zc.CreateIfNeeded(s.paths.joinEventDataPath(evt.ID), joinData, 0); err != nil {
		return false, err
	}
	if _, err := s.zc.CreateIfNeeded(s.paths.joinEventDataPathForJoined(evt.ID), forJoinedBytes, 0); err != nil {
		return false, err
	}

	vv("generated NODE_JOINED event [topVer=%v, nodeId=%v]", evt.TopVer, joinedNode.ID)

	return true, nil
}

// generateCustomEvents consumes new submissions under
// /customEvts in ascending sequence order.
func (s *Discovery) generateCustomEvents(customEvtNodes []string) {
	if !s.crd {
		return
	}

	type pending struct {
		seq  int
		name string
	}
	var newEvts []pending
	for _, child := range customEvtNodes {
		seq, err := customEventSequence(child)
		if err != nil {
			s.onFatalError(err)
			return
		}
		if seq > s.evtsData.ProcCustEvt {
			newEvts = append(newEvts, pending{seq: seq, name: child})
		}
	}
	if len(newEvts) == 0 {
		return
	}
	sort.Slice(newEvts, func(i, j int) bool { return newEvts[i].seq < newEvts[j].seq })

	for _, pe := range newEvts {
		sndNodeID, err := customEventSendNodeID(pe.name)
		if err != nil {
			s.onFatalError(err)
			return
		}

		evtDataPath := s.paths.customEventDataPath(pe.name)

		sndNode := s.top.byUUID(sndNodeID)
		if sndNode == nil {
			alwaysPrintf("ignore custom event from unknown node: %v", sndNodeID)

			if err := s.zc.DeleteIfExists(evtDataPath, -1); err != nil {
				s.onFatalError(err)
				return
			}
			s.evtsData.ProcCustEvt = pe.seq
			continue
		}

		evtBytes, err := s.zc.GetData(evtDataPath)
		if err != nil {
			s.onFatalError(err)
			return
		}

		var msg interface{}
		if err := s.codec.Unmarshal(evtBytes, &msg); err != nil {
			alwaysPrintf("failed to decode custom discovery message from %v: %v", sndNodeID, err)
			s.evtsData.ProcCustEvt = pe.seq
			continue
		}

		s.evtsData.EvtIDGen++ // custom events do not bump TopVer

		evt := &discoEvent{
			ID:        s.evtsData.EvtIDGen,
			TopVer:    s.evtsData.TopVer,
			Kind:      DiscoveryCustom,
			SenderID:  sndNodeID,
			EvtPath:   pe.name,
			customMsg: msg,
		}

		ackIDs := internalIDs(s.top.snapshot())
		delete(ackIDs, s.internalID)

		s.evtsData.addEvent(ackIDs, evt)

		s.evtsData.ProcCustEvt = pe.seq

		vv("generated CUSTOM event [topVer=%v, evtPath=%v]", evt.TopVer, pe.name)
	}

	s.persistAndReplay()
}

// persistAndReplay writes the serialized log to /evts
// (version -1: we are the single writer) and then replays
// the new suffix locally.
func (s *Discovery) persistAndReplay() {
	data, err := s.evtsData.encode(s.codec)
	if err != nil {
		s.onFatalError(err)
		return
	}
	start := time.Now()
	if err := s.zc.SetData(s.paths.evtsPath, data, -1); err != nil {
		s.onFatalError(err)
		return
	}
	vv("discovery coordinator saved new topology events [topVer=%v, saveTime=%v]",
		s.evtsData.TopVer, time.Since(start))

	if err := s.replayEvents(s.evtsData); err != nil {
		s.onFatalError(err)
	}
}

// onEvtsData handles a /evts data callback on a
// non-coordinator: decode and replay.
func (s *Discovery) onEvtsData(data []byte, err error) {
	if s.crd {
		return
	}
	if err != nil {
		if errors.Is(err, ErrClientFailed) || errors.Is(err, zk.ErrNoNode) {
			return
		}
		s.onFatalError(err)
		return
	}
	if len(data) == 0 {
		return
	}
	evts, derr := decodeEventsData(s.codec, data)
	if derr != nil {
		s.onFatalError(derr)
		return
	}
	if rerr := s.replayEvents(evts); rerr != nil {
		s.onFatalError(rerr)
		return
	}
	s.evtsData = evts
}

// replayEvents is the replay engine: walk events past our
// last processed id in ascending order, update the view,
// notify the listener, and batch ack writes.
func (s *Discovery) replayEvents(evts *eventsData) error {
	updateNodeInfo := false

	for _, evt := range evts.evts.allFrom(s.locNodeInfo.LastProcEvt) {
		if !s.joined {
			// before our own join event, nothing else
			// concerns us.
			if evt.Kind != NodeJoined || evt.NodeID != s.locNode.ID {
				continue
			}
			if err := s.processLocalJoin(evts, evt); err != nil {
				return err
			}
		} else {
			vv("new discovery event data: %v", evt)

			switch evt.Kind {
			case NodeJoined:
				var joining *joiningNodeData
				if s.crd {
					if evt.joiningData == nil {
						return fmt.Errorf("coordinator missing in-memory joining data for %v", evt)
					}
					joining = evt.joiningData
				} else {
					data, err := s.zc.GetData(s.paths.joinEventDataPath(evt.ID))
					if err != nil {
						return fmt.Errorf("read join data for %v: %w", evt, err)
					}
					var jd joiningNodeData
					if err := s.codec.Unmarshal(data, &jd); err != nil {
						return fmt.Errorf("decode join data for %v: %w", evt, err)
					}
					joining = &jd

					s.exchange.OnExchange(&DataBag{
						NodeID:      evt.NodeID,
						JoiningData: jd.DiscoData,
					})
				}
				s.notifyNodeJoin(evt, joining)

			case NodeFailed:
				if err := s.notifyNodeFail(evt); err != nil {
					return err
				}

			case DiscoveryCustom:
				var msg interface{}
				if s.crd {
					msg = evt.customMsg
				} else {
					data, err := s.zc.GetData(s.paths.customEventDataPath(evt.EvtPath))
					if err != nil {
						return fmt.Errorf("read custom data for %v: %w", evt, err)
					}
					if err := s.codec.Unmarshal(data, &msg); err != nil {
						return fmt.Errorf("decode custom data for %v: %w", evt, err)
					}
				}
				if err := s.notifyCustomEvent(evt, msg); err != nil {
					return err
				}

			default:
				return fmt.Errorf("invalid event: %v", evt)
			}

			if s.crd && evt.allAcksReceived() {
				s.processNodesAckEvent(evt)
				evts.evts.delkey(evt.ID)
			}
		}

		if s.joined {
			s.locNodeInfo.LastProcEvt = evt.ID
			s.procEvtCnt++

			if s.procEvtCnt%s.ackThreshold == 0 {
				updateNodeInfo = true
			}
		}
	}

	if !s.crd && updateNodeInfo {
		info, err := s.codec.Marshal(&s.locNodeInfo)
		if err != nil {
			return err
		}
		if err := s.zc.SetData(s.locNodeZkPath, info, -1); err != nil {
			return err
		}
	}

	return nil
}

// processLocalJoin consumes our own Join event: install
// the coordinator's snapshot, load common data, notify,
// and release JoinTopology.
func (s *Discovery) processLocalJoin(evts *eventsData, evt *discoEvent) error {
	vv("local join event data: %v", evt)

	path := s.paths.joinEventDataPathForJoined(evt.ID)

	data, err := s.zc.GetData(path)
	if err != nil {
		return fmt.Errorf("read joined data for %v: %w", evt, err)
	}
	var forJoined dataForJoined
	if err := s.codec.Unmarshal(data, &forJoined); err != nil {
		return fmt.Errorf("decode joined data for %v: %w", evt, err)
	}

	s.gridStartTime.Store(evts.GridStartTime)

	s.locNode.InternalID = evt.JoinedInternalID
	s.locNode.Order = evt.TopVer

	s.exchange.OnExchange(&DataBag{
		NodeID:     s.locNode.ID,
		CommonData: forJoined.CommonData,
	})

	for _, n := range forJoined.Topology {
		s.top.add(n)
	}
	s.top.add(s.locNode)

	s.lsnr.OnDiscovery(NodeJoined, evt.TopVer, s.locNode, s.top.snapshot(), nil)

	s.completeJoin(nil)

	s.joined = true

	// best-effort: the coordinator also deletes it once
	// everyone acked.
	if err := s.zc.DeleteIfExists(path, -1); err != nil && !errors.Is(err, ErrClientFailed) {
		pp("cleanup of %v failed: %v", path, err)
	}

	return nil
}

func (s *Discovery) notifyNodeJoin(evt *discoEvent, joining *joiningNodeData) {
	joinedNode := joining.Node

	joinedNode.Order = evt.TopVer
	joinedNode.InternalID = evt.JoinedInternalID

	s.top.add(joinedNode)

	s.lsnr.OnDiscovery(NodeJoined, evt.TopVer, joinedNode, s.top.snapshot(), nil)
}

func (s *Discovery) notifyNodeFail(evt *discoEvent) error {
	failedNode := s.top.removeByInternalID(evt.FailedInternalID)
	if failedNode == nil {
		return fmt.Errorf("fail event for unknown internal id: %v", evt)
	}

	s.lsnr.OnDiscovery(NodeFailed, evt.TopVer, failedNode, s.top.snapshot(), nil)
	return nil
}

func (s *Discovery) notifyCustomEvent(evt *discoEvent, msg interface{}) error {
	sndNode := s.top.byUUID(evt.SenderID)
	if sndNode == nil {
		return fmt.Errorf("custom event from unknown sender: %v", evt)
	}

	s.lsnr.OnDiscovery(DiscoveryCustom, evt.TopVer, sndNode, s.top.snapshot(), msg)
	return nil
}

// newClusterStarted seeds a brand new cluster with
// ourselves as the only member at topology version 1. The
// local join is synthetic: fired directly and never logged,
// since there is nobody to replay it to.
func (s *Discovery) newClusterStarted() error {
	if err := s.cleanupPreviousClusterData(); err != nil {
		return err
	}

	s.joined = true

	gst := time.Now().UnixMilli()
	s.gridStartTime.Store(gst)

	s.evtsData = newEventsData(gst)
	s.evtsData.TopVer = 1

	s.locNode.InternalID = s.internalID
	s.locNode.Order = 1

	s.top.add(s.locNode)

	s.lsnr.OnDiscovery(NodeJoined, 1, s.locNode, s.top.snapshot(), nil)

	s.completeJoin(nil)

	return nil
}

// cleanupPreviousClusterData clears leftovers of a dead
// cluster under the same paths before seeding a new log.
func (s *Discovery) cleanupPreviousClusterData() error {
	if err := s.zc.SetData(s.paths.evtsPath, nil, -1); err != nil {
		return err
	}

	evtChildren, err := s.zc.GetChildren(s.paths.evtsPath)
	if err != nil {
		return err
	}
	for _, child := range evtChildren {
		evtDir := s.paths.evtsPath + "/" + child
		if err := s.removeChildren(evtDir); err != nil {
			return err
		}
	}
	if err := s.zc.DeleteAll(s.paths.evtsPath, evtChildren, -1); err != nil {
		return err
	}

	custChildren, err := s.zc.GetChildren(s.paths.customEvtsDir)
	if err != nil {
		return err
	}
	return s.zc.DeleteAll(s.paths.customEvtsDir, custChildren, -1)
}

func (s *Discovery) removeChildren(path string) error {
	children, err := s.zc.GetChildren(path)
	if err != nil {
		return err
	}
	return s.zc.DeleteAll(path, children, -1)
}

// processNodesAckEvent garbage collects an event's
// external payloads once every member in its ack-set has
// acknowledged or failed.
func (s *Discovery) processNodesAckEvent(evt *discoEvent) {
	switch evt.Kind {
	case NodeJoined:
		vv("all nodes processed node join [evtId=%v]", evt.ID)

		if err := s.zc.DeleteIfExists(s.paths.joinEventDataPath(evt.ID), -1); err != nil {
			pp("cleanup join data for evt %v: %v", evt.ID, err)
		}
		if err := s.zc.DeleteIfExists(s.paths.joinEventDataPathForJoined(evt.ID), -1); err != nil {
			pp("cleanup joined data for evt %v: %v", evt.ID, err)
		}

	case DiscoveryCustom:
		vv("all nodes processed custom event [evtId=%v]", evt.ID)

		if err := s.zc.DeleteIfExists(s.paths.customEventDataPath(evt.EvtPath), -1); err != nil {
			pp("cleanup custom data for evt %v: %v", evt.ID, err)
		}

	case NodeFailed:
		// nothing external to delete.
		vv("all nodes processed node fail [evtId=%v]", evt.ID)
	}
}

// processEventAcksOnNodeFail drops a failed member from
// every pending ack-set; it will never report progress.
func (s *Discovery) processEventAcksOnNodeFail(failedInternalID int) {
	for _, evt := range s.evtsData.evts.all() {
		if evt.onNodeFail(failedInternalID) {
			s.processNodesAckEvent(evt)
			s.evtsData.evts.delkey(evt.ID)
		}
	}
}

// onConnectionLoss fires from the client (any goroutine)
// exactly once on terminal session loss. It posts the
// terminal transition into the dispatch lane.
func (s *Discovery) onConnectionLoss() {
	s.post(func() {
		alwaysPrintf("zookeeper connection loss, local node is SEGMENTED")

		if s.joined {
			topVer := int64(0)
			if s.evtsData != nil {
				topVer = s.evtsData.TopVer
			}
			s.lsnr.OnDiscovery(NodeSegmented, topVer, s.locNode, nil, nil)
		} else {
			s.completeJoin(ErrSegmented)
		}

		s.halt.ReqStop.CloseWithReason(ErrSegmented)
	})
}

// onFatalError handles programming and invariant errors:
// log, complete the join future exceptionally, and stop.
func (s *Discovery) onFatalError(err error) {
	if errors.Is(err, ErrClientFailed) {
		// segmentation handling owns terminal disconnect.
		return
	}
	alwaysPrintf("failed to process discovery data, stopping the node to prevent cluster wide instability: %v", err)

	s.completeJoin(err)

	s.halt.ReqStop.CloseWithReason(err)
	s.zc.Close()
}

func (s *Discovery) completeJoin(err error) {
	s.joinOnce.Do(func() {
		s.joinErr = err
		s.joinLatch.Close()
	})
}

// Stop shuts the discovery instance down. The
// connection-loss callback is suppressed; a pending join
// completes with ErrStopped.
func (s *Discovery) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	if s.zc != nil {
		s.zc.Close()
	}
	s.completeJoin(ErrStopped)
	s.halt.ReqStop.Close()
}

// SendCustomMessage serializes msg and submits it under
// /customEvts as a persistent-sequential znode. Delivery
// is fire and forget: the coordinator folds it into the
// event log and every member (including the sender)
// receives DISCOVERY_CUSTOM from replay.
func (s *Discovery) SendCustomMessage(msg interface{}) error {
	msgBytes, err := s.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal custom message: %w", err)
	}
	_, err = s.zc.CreateIfNeeded(
		s.paths.customEvtsDir+"/"+customEventPrefix(s.locNode.ID),
		msgBytes,
		zk.FlagSequence)
	return err
}

// query API. Callable from any goroutine.

// LocalNode returns this member.
func (s *Discovery) LocalNode() *Node {
	return s.locNode
}

// RemoteNodes returns every other currently-joined member.
func (s *Discovery) RemoteNodes() []*Node {
	return s.top.remoteNodes(s.locNode.ID)
}

// Node returns the joined member with the given id, or
// nil.
func (s *Discovery) Node(nodeID uuid.UUID) *Node {
	return s.top.byUUID(nodeID)
}

// PingNode reports whether the node is currently a member.
// There is no separate liveness probe yet.
func (s *Discovery) PingNode(nodeID uuid.UUID) bool {
	return s.Node(nodeID) != nil
}

// KnownNode scans the live alive-set in ZooKeeper for the
// given id.
func (s *Discovery) KnownNode(nodeID uuid.UUID) (bool, error) {
	children, err := s.zc.GetChildren(s.paths.aliveNodesDir)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		id, err := aliveNodeID(child)
		if err != nil {
			continue
		}
		if id == nodeID {
			return true, nil
		}
	}
	return false, nil
}

// GridStartTime returns the cluster's start time in unix
// milliseconds, fixed at first-coordinator election.
func (s *Discovery) GridStartTime() int64 {
	return s.gridStartTime.Load()
}
