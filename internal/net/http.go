// Package net wires the admission handler and the shard-channel upgrade
// into an http.Handler (§6), grounded on the teacher's
// internal/net/http_handlers.go mux-per-route shape.
package net

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"proximityvoice/server/internal/admission"
	"proximityvoice/server/internal/geo"
	"proximityvoice/server/internal/net/ws"
	"proximityvoice/server/internal/relay"
	"proximityvoice/server/internal/shard"
	"proximityvoice/server/internal/telemetry"
)

// HandlerConfig configures the top-level HTTP handler.
type HandlerConfig struct {
	Admission *admission.Service
	Registry  *shard.Registry
	Logger    telemetry.Logger
	// EventLog, if set, supplies the per-cell forwarded-event count
	// surfaced alongside each shard's diagnostics snapshot.
	EventLog CellEventCounter
}

// CellEventCounter exposes the logging.Router's per-cell forwarded-event
// tally, narrowed so this package only depends on the one method the
// diagnostics endpoint needs.
type CellEventCounter interface {
	CellStats(cellID string) uint64
}

// cellDiagnostics pairs a shard's own Snapshot with the number of log
// events the router has forwarded for that cell (§12).
type cellDiagnostics struct {
	shard.Snapshot
	LoggedEvents uint64 `json:"loggedEvents"`
}

// joinRequestBody is the wire shape of POST /join (§6).
type joinRequestBody struct {
	PlayerID  string     `json:"playerId"`
	Position  geo.Vector `json:"position"`
	AuthToken string     `json:"authToken,omitempty"`
}

// joinResponseBody is the wire shape of the 200 response from POST /join (§6).
type joinResponseBody struct {
	CellID           string            `json:"cellId"`
	CellWebSocketURL string            `json:"cellWebSocketUrl"`
	SessionToken     string            `json:"sessionToken"`
	TransportMode    string            `json:"transportMode"`
	IceServers       []relay.IceServer `json:"iceServers"`
}

type errorBody struct {
	Error string `json:"error"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewHandler builds the top-level HTTP handler (§6 External interfaces).
func NewHandler(cfg HandlerConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
		withCORS(w, r)
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		handleJoin(w, r, cfg)
	})

	mux.HandleFunc("/cell/", func(w http.ResponseWriter, r *http.Request) {
		withCORS(w, r)
		handleCellUpgrade(w, r, cfg)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		withCORS(w, r)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		withCORS(w, r)
		snapshots := cfg.Registry.Snapshot()
		out := make([]cellDiagnostics, len(snapshots))
		for i, snap := range snapshots {
			out[i] = cellDiagnostics{Snapshot: snap}
			if cfg.EventLog != nil {
				out[i].LoggedEvents = cfg.EventLog.CellStats(snap.CellID)
			}
		}
		data, err := json.Marshal(out)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encode diagnostics")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	return withPreflight(mux)
}

func handleJoin(w http.ResponseWriter, r *http.Request, cfg HandlerConfig) {
	defer r.Body.Close()
	var body joinRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	result, err := cfg.Admission.Admit(r.Context(), admission.Request{
		PlayerID:  body.PlayerID,
		Position:  body.Position,
		AuthToken: body.AuthToken,
	})
	if err != nil {
		switch err {
		case admission.ErrInvalidPlayerID, admission.ErrInvalidPosition, admission.ErrInvalidAuthToken:
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	resp := joinResponseBody{
		CellID:           string(result.CellID),
		CellWebSocketURL: cellWebSocketURL(r, result.CellID),
		SessionToken:     result.SessionToken,
		TransportMode:    result.TransportMode,
		IceServers:       result.IceServers,
	}

	data, err := json.Marshal(resp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func handleCellUpgrade(w http.ResponseWriter, r *http.Request, cfg HandlerConfig) {
	cellID := geo.CellID(strings.TrimPrefix(r.URL.Path, "/cell/"))
	if cellID == "" {
		writeError(w, http.StatusNotFound, "missing cell id")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusUpgradeRequired, "this endpoint requires a websocket upgrade")
		return
	}

	// Cells are provisioned by /join's Prepare call, not by the upgrade
	// path: an unprepared cell id 404s instead of lazily spinning up a
	// shard nobody has joined yet (§4.2, §4.4.1).
	sh, ok := cfg.Registry.Lookup(cellID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown cell")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if cfg.Logger != nil {
			cfg.Logger.Printf("upgrade failed for cell %s: %v", cellID, err)
		}
		return
	}

	ws.Serve(sh, conn, cfg.Logger)
}

// cellWebSocketURL honors forwarded headers the way a front-door behind a
// load balancer or reverse proxy would set them (§4.2).
func cellWebSocketURL(r *http.Request, cellID geo.CellID) string {
	scheme := "ws"
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		if forwarded == "https" {
			scheme = "wss"
		}
	} else if r.TLS != nil {
		scheme = "wss"
	}

	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}

	return scheme + "://" + host + "/cell/" + string(cellID)
}

func withCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET,HEAD,POST,OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "content-type")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(errorBody{Error: message})
	if err != nil {
		return
	}
	w.Write(data)
}

// withPreflight answers every OPTIONS request with 204 and permissive CORS
// headers (§6 "OPTIONS on any path"), regardless of whether the path is
// otherwise registered.
func withPreflight(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			withCORS(w, r)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
