package protocol

import (
	"log"

	"github.com/gorilla/websocket"
)

// HandleControlMessage answers the one client-originated frame the
// admin event feed still recognizes: a keepalive ping. Every other
// frame type is ignored, since the feed is a server push rather than a
// subscribe/unsubscribe protocol.
func HandleControlMessage(conn *websocket.Conn, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		log.Println("protocol: decode error:", err)
		return
	}
	if msg.Type == "PING" {
		conn.WriteJSON(Message{Type: "PONG"})
	}
}
