package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/decibelapp/decibel-relay/internal/metrics"
	"github.com/decibelapp/decibel-relay/internal/room"
)

type fakePeer struct {
	sent    [][]byte
	sendErr error
}

func (p *fakePeer) SendText(data []byte) error {
	if p.sendErr != nil {
		return p.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.sent = append(p.sent, cp)
	return nil
}

func (p *fakePeer) clear() { p.sent = nil }

type wireMessage struct {
	MessageType string          `json:"message_type"`
	Code        string          `json:"code"`
	PeerID      string          `json:"peer_id"`
	Content     json.RawMessage `json:"content"`
}

func decodeAll(t *testing.T, p *fakePeer) []wireMessage {
	t.Helper()
	out := make([]wireMessage, 0, len(p.sent))
	for _, raw := range p.sent {
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("undecodable outbound frame %q: %v", raw, err)
		}
		out = append(out, msg)
	}
	return out
}

func newTestRouter(t *testing.T) (*Router, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	ids := 0
	gen := func() string {
		ids++
		return fmt.Sprintf("client-%d", ids)
	}
	reg := room.NewRegistry(gen, m)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(reg, m, log), m
}

func connect(t *testing.T, rt *Router, sessionID, roomID string) *fakePeer {
	t.Helper()
	p := &fakePeer{}
	rt.HandleOpen(sessionID, p)
	rt.HandleMessage(sessionID, []byte(fmt.Sprintf(`{"message_type":"CANDIDATE","code":%q}`, roomID)))
	return p
}

func joinAckID(t *testing.T, p *fakePeer) string {
	t.Helper()
	msgs := decodeAll(t, p)
	if len(msgs) == 0 {
		t.Fatalf("expected a join ack, got none")
	}
	ack := msgs[0]
	if ack.MessageType != "SERVER" || string(ack.Content) != `"your id"` || ack.PeerID == "" {
		t.Fatalf("unexpected join ack: %+v", ack)
	}
	return ack.PeerID
}

func TestJoin_AcknowledgedExactlyOnce(t *testing.T) {
	rt, _ := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")

	msgs := decodeAll(t, a)
	if len(msgs) != 1 {
		t.Fatalf("messages=%d, want exactly 1 join ack", len(msgs))
	}
	if msgs[0].MessageType != "SERVER" || string(msgs[0].Content) != `"your id"` {
		t.Fatalf("unexpected ack: %+v", msgs[0])
	}

	// Re-sending the same room code must not produce a second ack; the message
	// still relays (to nobody, in a single-member room).
	a.clear()
	rt.HandleMessage("sess-a", []byte(`{"message_type":"CANDIDATE","code":"r1"}`))
	if len(a.sent) != 0 {
		t.Fatalf("rejoin produced %d messages, want 0", len(a.sent))
	}
}

func TestRelay_ForwardsStampedToPeersOnly(t *testing.T) {
	rt, m := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")
	b := connect(t, rt, "sess-b", "r1")
	aID := joinAckID(t, a)
	a.clear()
	b.clear()

	original := []byte(`{"message_type":"CANDIDATE","code":"r1","content":{"candidate":"candidate:1"}}`)
	rt.HandleMessage("sess-a", original)

	if len(a.sent) != 0 {
		t.Fatalf("sender received its own relay: %d messages", len(a.sent))
	}

	msgs := decodeAll(t, b)
	if len(msgs) != 1 {
		t.Fatalf("peer received %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.MessageType != "CANDIDATE" || got.Code != "r1" {
		t.Fatalf("envelope fields altered in relay: %+v", got)
	}
	if got.PeerID != aID {
		t.Fatalf("peer_id=%q, want sender id %q", got.PeerID, aID)
	}
	var content struct {
		Candidate string `json:"candidate"`
	}
	if err := json.Unmarshal(got.Content, &content); err != nil || content.Candidate != "candidate:1" {
		t.Fatalf("payload not preserved: %s", got.Content)
	}

	if n := m.Get(metrics.MessagesRelayed); n != 3 {
		// Two join messages plus the candidate above.
		t.Fatalf("messages_relayed=%d, want 3", n)
	}
}

func TestRelay_IsolatedBetweenRooms(t *testing.T) {
	rt, _ := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")
	c := connect(t, rt, "sess-c", "r2")
	a.clear()
	c.clear()

	rt.HandleMessage("sess-a", []byte(`{"message_type":"SDP","code":"r1","content":"offer"}`))
	if len(c.sent) != 0 {
		t.Fatalf("message leaked across rooms")
	}
}

func TestPosition_UpdateBroadcastsVolumePairs(t *testing.T) {
	rt, _ := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")
	b := connect(t, rt, "sess-b", "r1")
	aID := joinAckID(t, a)
	bID := joinAckID(t, b)

	// Move B to (10,0,0); A hasn't reported yet and sits at the origin.
	rt.HandleMessage("sess-b", []byte(`{"message_type":"POSITION","code":"r1","content":{"position":{"x":10}}}`))
	a.clear()
	b.clear()

	// No-op update: A reports the origin it already occupies.
	rt.HandleMessage("sess-a", []byte(`{"message_type":"POSITION","code":"r1","content":{"position":{"x":0,"y":0,"z":0}}}`))
	if len(a.sent)+len(b.sent) != 0 {
		t.Fatalf("unchanged position triggered a broadcast")
	}

	// Real update: A moves to (1,0,0); distance to B is 9, volume 1/81.
	rt.HandleMessage("sess-a", []byte(`{"message_type":"POSITION","code":"r1","content":{"position":{"x":1}}}`))

	aMsgs := decodeAll(t, a)
	bMsgs := decodeAll(t, b)
	if len(aMsgs) != 1 || len(bMsgs) != 1 {
		t.Fatalf("messages a=%d b=%d, want 1 each", len(aMsgs), len(bMsgs))
	}

	checkVolume := func(msg wireMessage, wantPeer string) {
		t.Helper()
		if msg.MessageType != "VOLUME" {
			t.Fatalf("message_type=%q, want VOLUME", msg.MessageType)
		}
		if msg.PeerID != wantPeer {
			t.Fatalf("peer_id=%q, want %q", msg.PeerID, wantPeer)
		}
		var body struct {
			Volume float64 `json:"volume"`
		}
		if err := json.Unmarshal(msg.Content, &body); err != nil {
			t.Fatalf("volume content: %v", err)
		}
		if want := 1.0 / 81; math.Abs(body.Volume-want) > 1e-12 {
			t.Fatalf("volume=%v, want %v", body.Volume, want)
		}
	}

	// The peer sees the mover's id; the mover sees the peer's id.
	checkVolume(bMsgs[0], aID)
	checkVolume(aMsgs[0], bID)
}

func TestPosition_QueryOwnID(t *testing.T) {
	rt, _ := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")
	aID := joinAckID(t, a)

	rt.HandleMessage("sess-a", []byte(`{"message_type":"POSITION","code":"r1","content":{"position":{"x":1,"y":2,"z":3}}}`))
	a.clear()

	rt.HandleMessage("sess-a", []byte(fmt.Sprintf(`{"message_type":"POSITION","code":"r1","content":{"peer_id":%q}}`, aID)))

	msgs := decodeAll(t, a)
	if len(msgs) != 1 {
		t.Fatalf("messages=%d, want 1 reply", len(msgs))
	}
	var content map[string]float64
	if err := json.Unmarshal(msgs[0].Content, &content); err != nil {
		t.Fatalf("reply content: %v", err)
	}
	if len(content) != 1 || content[aID] != 0 {
		t.Fatalf("content=%v, want {%q: 0}", content, aID)
	}
}

func TestPosition_QueryUnknownPeerNoReply(t *testing.T) {
	rt, _ := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")
	a.clear()

	rt.HandleMessage("sess-a", []byte(`{"message_type":"POSITION","code":"r1","content":{"peer_id":"ghost"}}`))
	if len(a.sent) != 0 {
		t.Fatalf("query for unknown peer produced %d messages, want 0", len(a.sent))
	}
}

func TestPosition_SnapshotCoversOtherMembers(t *testing.T) {
	rt, _ := newTestRouter(t)

	positions := []string{
		`{"x":0,"y":0,"z":0}`,
		`{"x":1,"y":1,"z":1}`,
		`{"x":-1,"y":-1,"z":-1}`,
		`{"x":10,"y":-4,"z":17}`,
	}

	peers := make([]*fakePeer, len(positions))
	ids := make([]string, len(positions))
	for i, pos := range positions {
		sid := fmt.Sprintf("sess-%d", i)
		peers[i] = connect(t, rt, sid, "r1")
		ids[i] = joinAckID(t, peers[i])
		rt.HandleMessage(sid, []byte(fmt.Sprintf(`{"message_type":"POSITION","code":"r1","content":{"position":%s}}`, pos)))
	}
	for _, p := range peers {
		p.clear()
	}

	rt.HandleMessage("sess-3", []byte(`{"message_type":"POSITION","code":"r1"}`))

	msgs := decodeAll(t, peers[3])
	if len(msgs) != 1 {
		t.Fatalf("messages=%d, want 1 snapshot", len(msgs))
	}
	var content map[string]float64
	if err := json.Unmarshal(msgs[0].Content, &content); err != nil {
		t.Fatalf("snapshot content: %v", err)
	}
	if len(content) != 3 {
		t.Fatalf("snapshot entries=%d, want 3 (requester excluded)", len(content))
	}

	want := map[string]float64{
		ids[0]: math.Sqrt(405),
		ids[1]: math.Sqrt(362),
		ids[2]: math.Sqrt(454),
	}
	for id, dist := range want {
		got, ok := content[id]
		if !ok {
			t.Fatalf("snapshot missing %q: %v", id, content)
		}
		if math.Abs(got-dist) > 1e-9 {
			t.Fatalf("distance[%q]=%v, want %v", id, got, dist)
		}
	}
}

func TestClose_NotifiesPeersAndErasesRoom(t *testing.T) {
	rt, _ := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")
	b := connect(t, rt, "sess-b", "r1")
	aID := joinAckID(t, a)
	a.clear()
	b.clear()

	rt.HandleClose("sess-a")

	msgs := decodeAll(t, b)
	if len(msgs) != 1 {
		t.Fatalf("peer received %d messages, want 1 departure notice", len(msgs))
	}
	if msgs[0].MessageType != "SERVER" || string(msgs[0].Content) != `"delete"` || msgs[0].PeerID != aID {
		t.Fatalf("unexpected departure notice: %+v", msgs[0])
	}

	b.clear()
	rt.HandleClose("sess-b")
	if len(b.sent) != 0 {
		t.Fatalf("last member received messages on its own close")
	}

	// The room is gone: a fresh member joining r1 is newly added again.
	c := connect(t, rt, "sess-c", "r1")
	if id := joinAckID(t, c); id == "" {
		t.Fatalf("expected fresh join ack after room erasure")
	}
}

func TestClose_UnjoinedConnectionIsNoOp(t *testing.T) {
	rt, m := newTestRouter(t)

	p := &fakePeer{}
	rt.HandleOpen("sess-a", p)
	rt.HandleClose("sess-a")

	if len(p.sent) != 0 {
		t.Fatalf("unjoined close produced %d messages", len(p.sent))
	}
	if n := m.Get(metrics.ConnectionsClosed); n != 1 {
		t.Fatalf("connections_closed=%d, want 1", n)
	}
}

func TestSecondRoomCode_RejectedWithoutStateChange(t *testing.T) {
	rt, m := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")
	b := connect(t, rt, "sess-b", "r2")
	a.clear()
	b.clear()

	rt.HandleMessage("sess-a", []byte(`{"message_type":"CANDIDATE","code":"r2"}`))

	if len(a.sent)+len(b.sent) != 0 {
		t.Fatalf("rejected message still produced output")
	}
	if n := m.Get(metrics.RoomMismatchDrops); n != 1 {
		t.Fatalf("room_mismatch_drops=%d, want 1", n)
	}
}

func TestMalformedAndUnknown_DroppedSilently(t *testing.T) {
	rt, m := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")
	b := connect(t, rt, "sess-b", "r1")
	a.clear()
	b.clear()

	rt.HandleMessage("sess-a", []byte(`{"message_type":`))
	rt.HandleMessage("sess-a", []byte(`{"message_type":"SDP"}`))
	rt.HandleMessage("sess-a", []byte(`{"message_type":"DELETE","code":"r1"}`))

	if len(a.sent)+len(b.sent) != 0 {
		t.Fatalf("bad input produced output")
	}
	if n := m.Get(metrics.MalformedMessages); n != 2 {
		t.Fatalf("malformed_messages=%d, want 2", n)
	}
	if n := m.Get(metrics.UnknownMessageTypes); n != 1 {
		t.Fatalf("unknown_message_types=%d, want 1", n)
	}

	// The connection is still usable afterwards.
	rt.HandleMessage("sess-a", []byte(`{"message_type":"SDP","code":"r1","content":"offer"}`))
	if len(b.sent) != 1 {
		t.Fatalf("connection unusable after malformed input")
	}
}

func TestFanOut_SurvivesFailedSend(t *testing.T) {
	rt, m := newTestRouter(t)

	a := connect(t, rt, "sess-a", "r1")
	b := connect(t, rt, "sess-b", "r1")
	c := connect(t, rt, "sess-c", "r1")
	a.clear()
	b.clear()
	c.clear()

	b.sendErr = errors.New("connection reset")

	rt.HandleMessage("sess-a", []byte(`{"message_type":"CANDIDATE","code":"r1"}`))

	if len(c.sent) != 1 {
		t.Fatalf("healthy peer received %d messages, want 1 despite sibling failure", len(c.sent))
	}
	if n := m.Get(metrics.FailedSends); n != 1 {
		t.Fatalf("failed_sends=%d, want 1", n)
	}
}
