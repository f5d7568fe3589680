// Package realtime maintains the persistent duplex connection for
// server-push events: reconnection with capped exponential backoff, keep-alive
// pings, channel fan-out, and an outbound queue for offline periods.
package realtime

import (
	"encoding/json"
	"time"
)

// Frame is the JSON text frame exchanged with the backend. The type and
// channel vocabularies are agreed out-of-band.
type Frame struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Message type vocabulary.
const (
	TypePing             = "ping"
	TypePong             = "pong"
	TypeJoinOrderRoom    = "join_order_room"
	TypeLeaveOrderRoom   = "leave_order_room"
	TypeOrderUpdate      = "order_update"
	TypeDeliveryLocation = "delivery_location"
	TypeNotification     = "notification"
)

// OrderChannel names the per-order room, e.g. "order_42".
func OrderChannel(orderID string) string {
	return "order_" + orderID
}

func newFrame(msgType string, data any) (Frame, error) {
	frame := Frame{Type: msgType, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return Frame{}, err
		}
		frame.Data = payload
	}
	return frame, nil
}
