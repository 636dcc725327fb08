// Package protocol is the wire envelope for GET /api/events' websocket
// feed. There is no client-chosen query to subscribe to (every
// connected client receives every event), so the protocol is just
// the control frame a long-lived feed connection still needs: a
// keepalive ping and the event envelope itself.
package protocol

import "encoding/json"

// Message is the common envelope every frame carries a Type in.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// EventFrame is one pushed reactive.Event, reshaped onto the wire.
type EventFrame struct {
	Message
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}
