package shard

import "time"

// Conn is the write-side transport a shard holds for each connection. It is
// deliberately narrow: a shard never reads from a socket itself, the read
// loop lives in the net/ws session handler, which decodes frames off the
// wire and calls into the shard one message at a time. This mirrors the
// write-only fake the teacher's own hub tests fake out (recordingSubscriberConn
// in hub_broadcast_state_test.go) rather than gorilla's full ReadMessage/
// WriteMessage surface — the shard package itself never imports
// gorilla/websocket, keeping it free of any particular transport.
type Conn interface {
	Write(data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
	// CloseWithCode closes the socket with an explicit close-frame status
	// code, used for §7's 1001 (displaced/timed out) and 4001 (invalid
	// session) outcomes instead of a plain 1000 normal closure.
	CloseWithCode(code int, reason string) error
}
