package net

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"proximityvoice/server/internal/admission"
	"proximityvoice/server/internal/codec"
	"proximityvoice/server/internal/featureflag"
	"proximityvoice/server/internal/geo"
	"proximityvoice/server/internal/relay"
	"proximityvoice/server/internal/shard"
	"proximityvoice/server/internal/token"
)

func newTestServer(t *testing.T) (*httptest.Server, *shard.Registry) {
	t.Helper()
	registry := shard.NewRegistry(shard.DefaultConfig(), nil)
	minter := token.NewMinter([]byte("test-secret"), nil)
	relayResolver := relay.New(relay.Config{}, nil, nil)
	flags := featureflag.NewResolver(nil, featureflag.EnvConfig{})
	admit := admission.New(admission.Config{}, registry, minter, relayResolver, flags, nil)

	handler := NewHandler(HandlerConfig{Admission: admit, Registry: registry})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, registry
}

func doJoin(t *testing.T, srv *httptest.Server, playerID string, pos geo.Vector) joinResponseBody {
	t.Helper()
	body, _ := json.Marshal(joinRequestBody{PlayerID: playerID, Position: pos})
	resp, err := http.Post(srv.URL+"/join", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /join: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out joinResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	return out
}

func dialAndRegister(t *testing.T, srv *httptest.Server, join joinResponseBody, playerID string) *gorilla.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/cell/" + join.CellID
	conn, _, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	envelope, _ := json.Marshal(struct {
		Type         string `json:"type"`
		PlayerID     string `json:"playerId"`
		SessionToken string `json:"sessionToken"`
	}{Type: codec.TypeRegister, PlayerID: playerID, SessionToken: join.SessionToken})
	if err := conn.WriteMessage(gorilla.TextMessage, envelope); err != nil {
		t.Fatalf("write register: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read registered ack: %v", err)
	}
	var ack codec.RegisteredMsg
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("decode registered ack: %v", err)
	}
	if ack.Type != codec.TypeRegistered || ack.PlayerID != playerID {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	return conn
}

func TestJoinAndProximityRelay(t *testing.T) {
	srv, _ := newTestServer(t)

	joinA := doJoin(t, srv, "alice", geo.Vector{X: 0, Y: 0, Z: 0})
	joinB := doJoin(t, srv, "bob", geo.Vector{X: 5, Y: 0, Z: 0})
	if joinA.CellID != joinB.CellID {
		t.Fatalf("expected same cell, got %q vs %q", joinA.CellID, joinB.CellID)
	}

	connA := dialAndRegister(t, srv, joinA, "alice")
	connB := dialAndRegister(t, srv, joinB, "bob")

	sendPosition(t, connA, geo.Vector{X: 0, Y: 0, Z: 0})
	sendPosition(t, connB, geo.Vector{X: 5, Y: 0, Z: 0})

	peersA := readPeersFrame(t, connA)
	if !containsID(peersA.Peers, "bob") {
		t.Fatalf("expected alice to see bob in peers, got %+v", peersA)
	}
}

func sendPosition(t *testing.T, conn *gorilla.Conn, pos geo.Vector) {
	t.Helper()
	msg, _ := json.Marshal(struct {
		Type     string     `json:"type"`
		Position geo.Vector `json:"position"`
	}{Type: codec.TypePosition, Position: pos})
	if err := conn.WriteMessage(gorilla.TextMessage, msg); err != nil {
		t.Fatalf("write position: %v", err)
	}
}

func readPeersFrame(t *testing.T, conn *gorilla.Conn) codec.PeersMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read peers frame: %v", err)
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type != codec.TypePeers {
			continue
		}
		var msg codec.PeersMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode peers frame: %v", err)
		}
		return msg
	}
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
