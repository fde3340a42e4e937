package ws

import (
	"encoding/json"
	"errors"
	"time"

	gorilla "github.com/gorilla/websocket"

	"proximityvoice/server/internal/codec"
	"proximityvoice/server/internal/shard"
	"proximityvoice/server/internal/telemetry"
)

// readDeadline is refreshed on every inbound frame; a peer that stops
// sending anything (not even pongs) is dropped after 45s, a transport-level
// backstop behind the shard's 30s heartbeat sweep.
const readDeadline = 45 * time.Second

// Serve runs the read loop for one freshly upgraded shard-channel socket
// (§4.4.2). It blocks until the socket closes or errors, dispatching every
// inbound frame to sh and translating shard-level authentication failures
// into the wire-level close codes §4.1/§7 specify.
func Serve(sh *shard.Shard, rawConn *gorilla.Conn, logger telemetry.Logger) {
	conn := NewConn(rawConn)
	connID := sh.Accept(conn)
	defer sh.Disconnect(connID)

	rawConn.SetReadLimit(32 * 1024)
	_ = rawConn.SetReadDeadline(time.Now().Add(readDeadline))
	rawConn.SetPongHandler(func(string) error {
		return rawConn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		msgType, data, err := rawConn.ReadMessage()
		if err != nil {
			return
		}
		_ = rawConn.SetReadDeadline(time.Now().Add(readDeadline))

		if msgType != gorilla.TextMessage {
			if data, err := json.Marshal(codec.NewError("binary frames are not accepted")); err == nil {
				_ = conn.Write(data)
			}
			continue
		}

		err = sh.HandleFrame(connID, data)
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, shard.ErrInvalidSession):
			_ = conn.CloseWithCode(4001, "invalid or expired session token")
			return
		case errors.Is(err, shard.ErrUnknownConnection):
			return
		default:
			if logger != nil {
				logger.Printf("shard frame error on connection %s: %v", connID, err)
			}
			// Malformed frames and not-registered-yet frames keep the
			// connection open (§7 item 4): the shard already sent an
			// `error` reply from within HandleFrame.
		}
	}
}
