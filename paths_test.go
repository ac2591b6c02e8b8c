package zkgrid

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
)

func Test001_alive_node_name_round_trip(t *testing.T) {
	id := uuid.New()

	// the coordinator reconstructs names the way
	// ZooKeeper builds them: our prefix plus a 10-digit
	// zero padded sequence.
	child := fmt.Sprintf("%v%010d", aliveNodePrefix(id, 42), 7)

	gotID, err := aliveNodeID(child)
	if err != nil {
		t.Fatalf("aliveNodeID(%q): %v", child, err)
	}
	if gotID != id {
		t.Fatalf("uuid round trip: got %v, want %v", gotID, id)
	}

	joinSeq, err := aliveJoinSequence(child)
	if err != nil {
		t.Fatalf("aliveJoinSequence(%q): %v", child, err)
	}
	if joinSeq != 42 {
		t.Fatalf("joinSeq round trip: got %v, want 42", joinSeq)
	}

	internalID, err := aliveInternalID(child)
	if err != nil {
		t.Fatalf("aliveInternalID(%q): %v", child, err)
	}
	if internalID != 7 {
		t.Fatalf("internalID round trip: got %v, want 7", internalID)
	}
}

func Test002_custom_event_name_round_trip(t *testing.T) {
	id := uuid.New()
	child := fmt.Sprintf("%v%010d", customEventPrefix(id), 13)

	gotID, err := customEventSendNodeID(child)
	if err != nil {
		t.Fatalf("customEventSendNodeID(%q): %v", child, err)
	}
	if gotID != id {
		t.Fatalf("uuid round trip: got %v, want %v", gotID, id)
	}

	seq, err := customEventSequence(child)
	if err != nil {
		t.Fatalf("customEventSequence(%q): %v", child, err)
	}
	if seq != 13 {
		t.Fatalf("seq round trip: got %v, want 13", seq)
	}
}

func Test003_join_data_path_is_ten_digit_padded(t *testing.T) {
	p := newGridPaths("/base", "clu")
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	want := "/base/clu/joinData/11111111-2222-3333-4444-555555555555|0000000005"
	if got := p.joinDataPathForSeq(id, 5); got != want {
		t.Fatalf("joinDataPathForSeq: got %q, want %q", got, want)
	}
}

func Test004_layout_paths(t *testing.T) {
	p := newGridPaths("/apps/disco", "prod")

	if p.evtsPath != "/apps/disco/prod/evts" {
		t.Fatalf("evtsPath = %q", p.evtsPath)
	}
	if p.aliveNodesDir != "/apps/disco/prod/aliveNodes" {
		t.Fatalf("aliveNodesDir = %q", p.aliveNodesDir)
	}
	if p.joinEventDataPath(9) != "/apps/disco/prod/evts/9/joinData" {
		t.Fatalf("joinEventDataPath = %q", p.joinEventDataPath(9))
	}
	if p.joinEventDataPathForJoined(9) != "/apps/disco/prod/evts/9/joined" {
		t.Fatalf("joinEventDataPathForJoined = %q", p.joinEventDataPathForJoined(9))
	}
	if p.customEventDataPath("x|0000000001") != "/apps/disco/prod/customEvts/x|0000000001" {
		t.Fatalf("customEventDataPath = %q", p.customEventDataPath("x|0000000001"))
	}
}

func Test005_malformed_names_are_rejected(t *testing.T) {
	for _, bad := range []string{"", "nopipes", "notauuid|1|2", "|", "x|y|z"} {
		if _, err := aliveNodeID(bad); err == nil {
			// "x|y|z" has a pipe but no uuid; every case
			// must fail one of the decoders.
			t.Fatalf("aliveNodeID(%q): expected error", bad)
		}
	}
	if _, err := aliveInternalID("uuid|1|notanumber"); err == nil {
		t.Fatalf("expected error for non-numeric internal id")
	}
	if _, err := aliveJoinSequence("uuid|only"); err == nil {
		t.Fatalf("expected error for two-part alive name")
	}
}

func Test006_validate_zk_path(t *testing.T) {
	for _, good := range []string{"/", "/a", "/a/b", "/zkgrid"} {
		if err := validateZkPath(good); err != nil {
			t.Fatalf("validateZkPath(%q): %v", good, err)
		}
	}
	for _, bad := range []string{"", "a", "/a/", "//b", "/a//b", "/a/./b", "/a/../b"} {
		if err := validateZkPath(bad); err == nil {
			t.Fatalf("validateZkPath(%q): expected error", bad)
		}
	}
}
