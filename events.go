package zkgrid

import (
	"fmt"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
	"github.com/google/uuid"
)

// discoEvent is one entry in the cluster-wide event log: a
// tagged sum over Join | Fail | Custom with a shared
// {ID, TopVer} header. Only the fields of the tagged kind
// are meaningful.
type discoEvent struct {
	ID     int64     `json:"id"`
	TopVer int64     `json:"topVer"`
	Kind   EventKind `json:"kind"`

	// NodeJoined
	NodeID           uuid.UUID `json:"nodeId,omitempty"`
	JoinedInternalID int       `json:"joinedInternalId,omitempty"`

	// NodeFailed
	FailedInternalID int `json:"failedInternalId,omitempty"`

	// DiscoveryCustom: the sender and the child name of
	// the submission under /customEvts.
	SenderID uuid.UUID `json:"senderId,omitempty"`
	EvtPath  string    `json:"evtPath,omitempty"`

	// remainingAcks is the set of internal ids that must
	// report lastProcEvt >= ID before the event's external
	// payload may be deleted. Coordinator-local: it is
	// rebuilt from the live topology on coordinator
	// handover and never serialized.
	remainingAcks map[int]bool

	// coordinator-only in-memory copies. Other nodes
	// fetch these from /evts/<id>/joinData or
	// /customEvts/<evtPath>.
	joiningData *joiningNodeData
	customMsg   interface{}
}

func (e *discoEvent) String() string {
	switch e.Kind {
	case NodeJoined:
		return fmt.Sprintf("evt{id:%v, topVer:%v, join %v internalId:%v}",
			e.ID, e.TopVer, e.NodeID, e.JoinedInternalID)
	case NodeFailed:
		return fmt.Sprintf("evt{id:%v, topVer:%v, fail internalId:%v}",
			e.ID, e.TopVer, e.FailedInternalID)
	case DiscoveryCustom:
		return fmt.Sprintf("evt{id:%v, topVer:%v, custom from %v path:%q}",
			e.ID, e.TopVer, e.SenderID, e.EvtPath)
	}
	return fmt.Sprintf("evt{id:%v, topVer:%v, kind:%v}", e.ID, e.TopVer, e.Kind)
}

// resetRemainingAcks seeds the ack-set from a set of
// internal ids. The caller excludes the coordinator, which
// acks implicitly by emitting.
func (e *discoEvent) resetRemainingAcks(ids map[int]bool) {
	e.remainingAcks = make(map[int]bool, len(ids))
	for id := range ids {
		e.remainingAcks[id] = true
	}
}

// onAckReceived removes internalID from the ack-set iff
// the reported lastProcEvt covers this event. Reports true
// iff the set is now empty.
func (e *discoEvent) onAckReceived(internalID int, lastProcEvt int64) bool {
	if lastProcEvt >= e.ID {
		delete(e.remainingAcks, internalID)
	}
	return len(e.remainingAcks) == 0
}

// onNodeFail removes a failed member from the ack-set; it
// will never ack. Reports true iff the set is now empty.
func (e *discoEvent) onNodeFail(internalID int) bool {
	delete(e.remainingAcks, internalID)
	return len(e.remainingAcks) == 0
}

func (e *discoEvent) allAcksReceived() bool {
	return len(e.remainingAcks) == 0
}

// eventsData is the canonical event log plus the
// cluster-wide counters, created by the first coordinator
// and mutated exclusively by the current one. The whole
// structure is serialized to /evts on every topology or
// custom event.
type eventsData struct {
	// GridStartTime is fixed at first-coordinator
	// election, unix milliseconds.
	GridStartTime int64

	// TopVer bumps on join and fail, never on custom.
	TopVer int64

	// EvtIDGen bumps on every event.
	EvtIDGen int64

	// ProcCustEvt is the high-water mark of custom
	// submission sequences already consumed. ZooKeeper
	// sequences start at zero, so empty is -1.
	ProcCustEvt int

	// evts orders events by id.
	evts *omap[int64, *discoEvent]
}

func newEventsData(gridStartTime int64) *eventsData {
	return &eventsData{
		GridStartTime: gridStartTime,
		ProcCustEvt:   -1,
		evts:          newOmap[int64, *discoEvent](),
	}
}

// addEvent appends evt and seeds its ack-set from ackIDs
// (the topology at the moment of emission, minus the
// coordinator).
func (d *eventsData) addEvent(ackIDs map[int]bool, evt *discoEvent) {
	evt.resetRemainingAcks(ackIDs)
	added := d.evts.set(evt.ID, evt)
	if !added {
		panic(fmt.Sprintf("duplicate event id %v: %v", evt.ID, evt))
	}
}

// eventsWire is the serialized form: the omap flattens to
// an ascending slice.
type eventsWire struct {
	GridStartTime int64         `json:"gridStartTime"`
	TopVer        int64         `json:"topVer"`
	EvtIDGen      int64         `json:"evtIdGen"`
	ProcCustEvt   int           `json:"procCustEvt"`
	Evts          []*discoEvent `json:"evts,omitempty"`
}

// eventsEnvelope wraps the encoded log with a blake3
// checksum so a torn or corrupted /evts read fails loudly
// instead of replaying garbage.
type eventsEnvelope struct {
	Payload []byte `json:"payload"`
	Sum     string `json:"sum"`
}

func blake3SumString(data []byte) string {
	h := blake3.New(64, nil)
	h.Write(data)
	by := h.Sum(nil)
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(by[:33])
}

// encode serializes the log for /evts.
func (d *eventsData) encode(codec Codec) ([]byte, error) {
	w := &eventsWire{
		GridStartTime: d.GridStartTime,
		TopVer:        d.TopVer,
		EvtIDGen:      d.EvtIDGen,
		ProcCustEvt:   d.ProcCustEvt,
		Evts:          d.evts.vals(),
	}
	payload, err := codec.Marshal(w)
	if err != nil {
		return nil, err
	}
	env := &eventsEnvelope{
		Payload: payload,
		Sum:     blake3SumString(payload),
	}
	return codec.Marshal(env)
}

// decodeEventsData parses and verifies a /evts blob.
func decodeEventsData(codec Codec, data []byte) (*eventsData, error) {
	var env eventsEnvelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("events envelope decode: %w", err)
	}
	if sum := blake3SumString(env.Payload); sum != env.Sum {
		return nil, fmt.Errorf("events checksum mismatch: have %v, want %v", sum, env.Sum)
	}
	var w eventsWire
	if err := codec.Unmarshal(env.Payload, &w); err != nil {
		return nil, fmt.Errorf("events decode: %w", err)
	}
	d := &eventsData{
		GridStartTime: w.GridStartTime,
		TopVer:        w.TopVer,
		EvtIDGen:      w.EvtIDGen,
		ProcCustEvt:   w.ProcCustEvt,
		evts:          newOmap[int64, *discoEvent](),
	}
	for _, evt := range w.Evts {
		d.evts.set(evt.ID, evt)
	}
	return d, nil
}
