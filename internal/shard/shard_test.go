package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"proximityvoice/server/internal/codec"
	"proximityvoice/server/internal/geo"
	"proximityvoice/server/logging"
)

// fakeConn records every frame written to it. Safe for concurrent use.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closed    bool
	closeCode int
}

func (f *fakeConn) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = 1000
	return nil
}

func (f *fakeConn) CloseWithCode(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeConn) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal(f.frames[len(f.frames)-1], &v); err != nil {
		panic(err)
	}
	return v
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// immediateTrigger runs the debounced callback synchronously, standing in
// for the real 50ms timer so tests are deterministic.
func immediateTrigger(_ time.Duration, fn func()) stopper {
	fn()
	return noopStopper{}
}

type noopStopper struct{}

func (noopStopper) Stop() bool { return true }

func newTestShard(now *time.Time) *Shard {
	cfg := DefaultConfig()
	var n int
	return New("cell:0:0:0", cfg, nil, nil,
		WithClock(func() time.Time { return *now }),
		WithIDSource(func() string { n++; return fmt.Sprintf("conn-%d", n) }),
		WithDebounceTrigger(immediateTrigger),
	)
}

func registerPlayer(t *testing.T, s *Shard, playerID string) (connID string, conn *fakeConn) {
	t.Helper()
	token := "tok-" + playerID
	s.Prepare(playerID, token)
	conn = &fakeConn{}
	connID = s.Accept(conn)
	frame, _ := json.Marshal(map[string]string{"type": "register", "playerId": playerID, "sessionToken": token})
	if err := s.HandleFrame(connID, frame); err != nil {
		t.Fatalf("register %s: %v", playerID, err)
	}
	return connID, conn
}

func sendPosition(t *testing.T, s *Shard, connID string, v geo.Vector) {
	t.Helper()
	frame, _ := json.Marshal(struct {
		Type     string     `json:"type"`
		Position geo.Vector `json:"position"`
	}{Type: codec.TypePosition, Position: v})
	if err := s.HandleFrame(connID, frame); err != nil {
		t.Fatalf("position: %v", err)
	}
}

func TestRegisterConsumesSessionTokenOnce(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	s.Prepare("p1", "tok")

	conn1 := &fakeConn{}
	id1 := s.Accept(conn1)
	frame, _ := json.Marshal(map[string]string{"type": "register", "playerId": "p1", "sessionToken": "tok"})
	if err := s.HandleFrame(id1, frame); err != nil {
		t.Fatalf("first register: %v", err)
	}

	conn2 := &fakeConn{}
	id2 := s.Accept(conn2)
	if err := s.HandleFrame(id2, frame); err == nil {
		t.Fatalf("expected second register with the same token to fail")
	}
}

func TestRegisterRejectsExpiredPendingSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	s.Prepare("p1", "tok")

	now = now.Add(DefaultConfig().PendingSessionTTL + time.Second)

	conn := &fakeConn{}
	id := s.Accept(conn)
	frame, _ := json.Marshal(map[string]string{"type": "register", "playerId": "p1", "sessionToken": "tok"})
	if err := s.HandleFrame(id, frame); err == nil {
		t.Fatalf("expected expired pending session to be rejected")
	}
}

func TestPositionRateLimitDropsFramesSilently(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	id, conn := registerPlayer(t, s, "p1")

	sendPosition(t, s, id, geo.Vector{X: 0, Y: 0, Z: 0})
	framesAfterFirst := conn.count()

	sendPosition(t, s, id, geo.Vector{X: 10, Y: 0, Z: 0})
	if conn.count() != framesAfterFirst {
		t.Fatalf("expected rate-limited position update to produce no new frame")
	}

	now = now.Add(DefaultConfig().PositionMinInterval + time.Millisecond)
	sendPosition(t, s, id, geo.Vector{X: 10, Y: 0, Z: 0})
}

func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	_, conn := registerPlayer(t, s, "p1")

	now = now.Add(DefaultConfig().HeartbeatTimeout + time.Second)
	s.SweepHeartbeats()

	if !conn.closed {
		t.Fatalf("expected stale connection to be closed")
	}
	if conn.closeCode != 1001 {
		t.Fatalf("expected heartbeat timeout to close with code 1001, got %d", conn.closeCode)
	}
	diag := s.Diagnostics()
	if diag.Connections != 0 || diag.RegisteredConnections != 0 {
		t.Fatalf("expected shard to drop stale connection, got %+v", diag)
	}
}

func TestProximityRecalcEmitsAddedAndDiffSuppressesUnchanged(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	id1, conn1 := registerPlayer(t, s, "p1")
	id2, conn2 := registerPlayer(t, s, "p2")

	sendPosition(t, s, id1, geo.Vector{X: 0, Y: 0, Z: 0})
	sendPosition(t, s, id2, geo.Vector{X: 10, Y: 0, Z: 0})

	peers1 := conn1.last()
	if peers1 == nil || peers1["type"] != "peers" {
		t.Fatalf("expected p1 to receive a peers frame, got %+v", peers1)
	}
	added, _ := peers1["added"].([]any)
	if len(added) != 1 || added[0] != "p2" {
		t.Fatalf("expected p1's peers frame to add p2, got %+v", peers1)
	}

	countBefore := conn1.count()
	now = now.Add(DefaultConfig().PositionMinInterval + time.Millisecond)
	sendPosition(t, s, id2, geo.Vector{X: 10.1, Y: 0, Z: 0})
	if conn1.count() != countBefore {
		t.Fatalf("expected sub-epsilon movement to suppress a new peers frame, got %d frames", conn1.count())
	}
	_ = conn2
}

func TestProximityRecalcEmitsRemovedWhenOutOfRange(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	id1, conn1 := registerPlayer(t, s, "p1")
	id2, _ := registerPlayer(t, s, "p2")

	sendPosition(t, s, id1, geo.Vector{X: 0, Y: 0, Z: 0})
	sendPosition(t, s, id2, geo.Vector{X: 10, Y: 0, Z: 0})

	now = now.Add(DefaultConfig().PositionMinInterval + time.Millisecond)
	sendPosition(t, s, id2, geo.Vector{X: 1000, Y: 0, Z: 0})

	peers1 := conn1.last()
	removed, _ := peers1["removed"].([]any)
	if len(removed) != 1 || removed[0] != "p2" {
		t.Fatalf("expected p1 to see p2 removed, got %+v", peers1)
	}
}

func TestPeersFrameDistancesCoverEveryPeerNotJustChanged(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	id1, conn1 := registerPlayer(t, s, "p1")
	id2, _ := registerPlayer(t, s, "p2")
	id3, _ := registerPlayer(t, s, "p3")

	sendPosition(t, s, id1, geo.Vector{X: 0, Y: 0, Z: 0})
	sendPosition(t, s, id2, geo.Vector{X: 10, Y: 0, Z: 0})
	sendPosition(t, s, id3, geo.Vector{X: 20, Y: 0, Z: 0})

	// p3 joining the radius is the only thing that changes this pass, but
	// distances must still carry p2's unchanged distance alongside p3's.
	peers1 := conn1.last()
	distances, _ := peers1["distances"].(map[string]any)
	if _, ok := distances["p2"]; !ok {
		t.Fatalf("expected distances to include unchanged peer p2, got %+v", distances)
	}
	if _, ok := distances["p3"]; !ok {
		t.Fatalf("expected distances to include newly added peer p3, got %+v", distances)
	}
}

func TestSubEpsilonDriftAccumulatesAgainstLastSentValue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	id1, conn1 := registerPlayer(t, s, "p1")
	id2, _ := registerPlayer(t, s, "p2")

	sendPosition(t, s, id1, geo.Vector{X: 0, Y: 0, Z: 0})
	sendPosition(t, s, id2, geo.Vector{X: 10, Y: 0, Z: 0})
	countBefore := conn1.count()

	// Each step moves p2 by 0.3, under the default 0.5 epsilon, but the
	// cumulative drift across several steps is well over it. Because the
	// comparison baseline only updates when a frame is actually emitted,
	// the shard must still catch up once the *true* drift crosses epsilon,
	// not reset its baseline on every suppressed tick.
	x := 10.0
	for i := 0; i < 5; i++ {
		now = now.Add(DefaultConfig().PositionMinInterval + time.Millisecond)
		x += 0.3
		sendPosition(t, s, id2, geo.Vector{X: x, Y: 0, Z: 0})
	}
	if conn1.count() == countBefore {
		t.Fatalf("expected accumulated sub-epsilon drift to eventually emit a correcting peers frame")
	}
}

func TestSignalRelaysOpaquePayloadVerbatim(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	id1, _ := registerPlayer(t, s, "p1")
	_, conn2 := registerPlayer(t, s, "p2")

	frame, _ := json.Marshal(map[string]any{
		"type":     "signal",
		"targetId": "p2",
		"payload":  map[string]string{"t": "offer", "sdp": "v=0"},
	})
	if err := s.HandleFrame(id1, frame); err != nil {
		t.Fatalf("signal: %v", err)
	}

	got := conn2.last()
	if got["type"] != "signal" || got["from"] != "p1" {
		t.Fatalf("unexpected relayed signal: %+v", got)
	}
	payload, _ := got["payload"].(map[string]any)
	if payload["sdp"] != "v=0" {
		t.Fatalf("payload not relayed verbatim: %+v", payload)
	}
}

func TestSignalToUnknownTargetReportsDeliveryFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	id1, conn1 := registerPlayer(t, s, "p1")

	frame, _ := json.Marshal(map[string]any{
		"type":     "signal",
		"targetId": "ghost",
		"payload":  map[string]string{"t": "offer"},
	})
	if err := s.HandleFrame(id1, frame); err != nil {
		t.Fatalf("signal: %v", err)
	}

	got := conn1.last()
	if got["type"] != "signal-delivery-failed" || got["targetId"] != "ghost" {
		t.Fatalf("expected delivery-failed frame, got %+v", got)
	}
}

func TestPositionBeforeRegisterIsRejected(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	conn := &fakeConn{}
	id := s.Accept(conn)
	sendFrame, _ := json.Marshal(struct {
		Type     string     `json:"type"`
		Position geo.Vector `json:"position"`
	}{Type: codec.TypePosition, Position: geo.Vector{X: 1, Y: 1, Z: 1}})
	if err := s.HandleFrame(id, sendFrame); err == nil {
		t.Fatalf("expected position before register to be rejected")
	}
}

func TestRegisterDisplacesPriorConnectionForSamePlayer(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	id1, conn1 := registerPlayer(t, s, "p1")

	s.Prepare("p1", "tok2")
	conn2 := &fakeConn{}
	id2 := s.Accept(conn2)
	frame, _ := json.Marshal(map[string]string{"type": "register", "playerId": "p1", "sessionToken": "tok2"})
	if err := s.HandleFrame(id2, frame); err != nil {
		t.Fatalf("expected the second register to displace the first, got: %v", err)
	}

	if !conn1.closed || conn1.closeCode != 1001 {
		t.Fatalf("expected the displaced connection to be closed with code 1001, got closed=%v code=%d", conn1.closed, conn1.closeCode)
	}
	if got := conn2.last(); got["type"] != "registered" || got["playerId"] != "p1" {
		t.Fatalf("expected the new connection to receive registered, got %+v", got)
	}

	diag := s.Diagnostics()
	if diag.Connections != 1 || diag.RegisteredConnections != 1 {
		t.Fatalf("expected exactly one live connection for p1 after displacement, got %+v", diag)
	}
	_ = id1
}

func TestPrepareEvictsPriorPendingSessionForSamePlayer(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	s.Prepare("p1", "tok-old")
	s.Prepare("p1", "tok-new")

	conn := &fakeConn{}
	id := s.Accept(conn)
	frame, _ := json.Marshal(map[string]string{"type": "register", "playerId": "p1", "sessionToken": "tok-old"})
	if err := s.HandleFrame(id, frame); err == nil {
		t.Fatalf("expected the superseded pending session to be rejected")
	}

	frame, _ = json.Marshal(map[string]string{"type": "register", "playerId": "p1", "sessionToken": "tok-new"})
	if err := s.HandleFrame(id, frame); err != nil {
		t.Fatalf("expected the latest pending session to register, got: %v", err)
	}
}

func TestPreparePrunesExpiredPendingSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	s.Prepare("p1", "tok-stale")

	now = now.Add(DefaultConfig().PendingSessionTTL + time.Second)
	s.Prepare("p2", "tok-fresh")

	if diag := s.Diagnostics(); diag.PendingSessions != 1 {
		t.Fatalf("expected the expired pending session to be pruned, got %+v", diag)
	}
}

func TestDisconnectRemovesPlayerFromByPlayer(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestShard(&now)
	id, _ := registerPlayer(t, s, "p1")
	s.Disconnect(id)
	if diag := s.Diagnostics(); diag.Connections != 0 || diag.RegisteredConnections != 0 {
		t.Fatalf("expected disconnect to clear connection state, got %+v", diag)
	}
}

// stubPublisher records every event handed to it. Safe for concurrent use.
type stubPublisher struct {
	mu     sync.Mutex
	events []logging.Event
}

func (p *stubPublisher) Publish(_ context.Context, event logging.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *stubPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = string(e.Type)
	}
	return out
}

func TestWithPublisherEmitsLifecycleEvents(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var n int
	pub := &stubPublisher{}
	s := New("cell:0:0:0", DefaultConfig(), nil, nil,
		WithClock(func() time.Time { return now }),
		WithIDSource(func() string { n++; return fmt.Sprintf("conn-%d", n) }),
		WithDebounceTrigger(immediateTrigger),
		WithPublisher(pub),
	)

	id, _ := registerPlayer(t, s, "p1")
	s.Disconnect(id)

	got := pub.types()
	if len(got) != 2 || got[0] != "connection.registered" || got[1] != "connection.disconnected" {
		t.Fatalf("expected [registered disconnected] event sequence, got %v", got)
	}
}
