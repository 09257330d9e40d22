package dedup

import (
	"testing"
	"time"
)

func TestSeenFlagsOnlyAfterMarkSuccess(t *testing.T) {
	g := New(16, time.Minute)
	payload := []byte(`{"cid":1,"callsign":"BAW123"}`)

	if g.Seen(payload) {
		t.Fatal("unmarked payload should not be flagged as seen")
	}

	g.MarkSuccess(payload)
	if !g.Seen(payload) {
		t.Fatal("payload should be flagged as seen after MarkSuccess")
	}
}

func TestSeenDistinguishesPayloads(t *testing.T) {
	g := New(16, time.Minute)
	g.MarkSuccess([]byte("a"))

	if g.Seen([]byte("b")) {
		t.Fatal("distinct payload should not be flagged as seen")
	}
}
