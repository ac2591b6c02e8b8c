package zkgrid

import (
	"testing"

	"github.com/google/uuid"
)

func Test010_ack_set_lifecycle(t *testing.T) {
	evt := &discoEvent{ID: 5, TopVer: 3, Kind: NodeJoined, NodeID: uuid.New()}

	evt.resetRemainingAcks(map[int]bool{1: true, 2: true, 3: true})

	if evt.allAcksReceived() {
		t.Fatalf("fresh ack-set cannot be empty")
	}

	// an ack below the event id does not count.
	if evt.onAckReceived(1, 4) {
		t.Fatalf("stale ack emptied the set")
	}
	if len(evt.remainingAcks) != 3 {
		t.Fatalf("stale ack removed a member: %v", evt.remainingAcks)
	}

	if evt.onAckReceived(1, 5) {
		t.Fatalf("set empty after one of three acks")
	}
	if evt.onAckReceived(2, 99) {
		t.Fatalf("set empty after two of three acks")
	}

	// the last member fails instead of acking.
	if !evt.onNodeFail(3) {
		t.Fatalf("set not empty after last member failed")
	}
	if !evt.allAcksReceived() {
		t.Fatalf("allAcksReceived disagrees with onNodeFail")
	}

	// idempotent on unknown members.
	if !evt.onNodeFail(42) {
		t.Fatalf("onNodeFail on empty set must stay empty")
	}
}

func Test011_events_data_round_trip(t *testing.T) {
	codec := DefaultCodec()

	d := newEventsData(123456789)
	d.TopVer = 3
	d.EvtIDGen = 2
	d.ProcCustEvt = 1

	joinID := uuid.New()
	d.addEvent(map[int]bool{1: true}, &discoEvent{
		ID: 1, TopVer: 2, Kind: NodeJoined, NodeID: joinID, JoinedInternalID: 1,
	})
	d.addEvent(map[int]bool{1: true}, &discoEvent{
		ID: 2, TopVer: 3, Kind: NodeFailed, FailedInternalID: 0,
	})

	data, err := d.encode(codec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	back, err := decodeEventsData(codec, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if back.GridStartTime != d.GridStartTime ||
		back.TopVer != d.TopVer ||
		back.EvtIDGen != d.EvtIDGen ||
		back.ProcCustEvt != d.ProcCustEvt {
		t.Fatalf("counters differ after round trip: %+v vs %+v", back, d)
	}
	if back.evts.Len() != 2 {
		t.Fatalf("expected 2 events, got %v", back.evts.Len())
	}

	var ids []int64
	for id, evt := range back.evts.all() {
		ids = append(ids, id)
		orig := d.evts.get(id)
		if evt.Kind != orig.Kind || evt.TopVer != orig.TopVer ||
			evt.NodeID != orig.NodeID ||
			evt.JoinedInternalID != orig.JoinedInternalID ||
			evt.FailedInternalID != orig.FailedInternalID {
			t.Fatalf("event %v differs after round trip: %v vs %v", id, evt, orig)
		}
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("events out of order after round trip: %v", ids)
	}
}

func Test012_corrupted_log_is_detected(t *testing.T) {
	codec := DefaultCodec()

	d := newEventsData(1)
	d.addEvent(nil, &discoEvent{ID: 1, TopVer: 1, Kind: NodeJoined, NodeID: uuid.New()})

	data, err := d.encode(codec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// flip a payload bit behind the checksum's back.
	var env eventsEnvelope
	if err := codec.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	env.Payload[0] ^= 0x01
	mangled, err := codec.Marshal(&env)
	if err != nil {
		t.Fatalf("marshal mangled envelope: %v", err)
	}

	if _, err := decodeEventsData(codec, mangled); err == nil {
		t.Fatalf("expected decode failure on mangled log")
	}
}

func Test013_duplicate_event_id_panics(t *testing.T) {
	d := newEventsData(1)
	d.addEvent(nil, &discoEvent{ID: 1, TopVer: 1, Kind: NodeFailed})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate event id")
		}
	}()
	d.addEvent(nil, &discoEvent{ID: 1, TopVer: 2, Kind: NodeFailed})
}
