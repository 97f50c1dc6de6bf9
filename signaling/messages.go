// Package signaling carries the peer presence protocol: announce,
// heartbeat, departure, and ping/pong liveness probes. It is the only
// path by which remote peers enter or refresh the registry.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeAnnounce    = "announce"
	TypePeerOffline = "peer_offline"
	TypeHeartbeat   = "heartbeat"
	TypePing        = "ping"
	TypePong        = "pong"
)

var (
	// ErrInvalidMessageType indicates a missing or unknown message type.
	ErrInvalidMessageType = errors.New("signaling: invalid message type")
	// ErrChannelClosed indicates a send on a closed channel.
	ErrChannelClosed = errors.New("signaling: channel closed")
)

// Message is the signaling envelope. ToID is empty on broadcast shapes
// (announce, heartbeat, peer_offline) and set on addressed shapes
// (ping, pong).
type Message struct {
	Type          string `json:"type"`
	FromID        string `json:"from_id"`
	ToID          string `json:"to_id,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	Address       string `json:"address,omitempty"`
	PlatformClass string `json:"platform_class,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// EncodeJSON marshals a signaling message.
func EncodeJSON(message Message) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal signaling message: %w", err)
	}
	return payload, nil
}

// DecodeJSON unmarshals and type-checks a signaling message.
func DecodeJSON(payload []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return Message{}, fmt.Errorf("decode signaling message: %w", err)
	}
	switch message.Type {
	case TypeAnnounce, TypePeerOffline, TypeHeartbeat, TypePing, TypePong:
		return message, nil
	default:
		return Message{}, ErrInvalidMessageType
	}
}

func stamped(message Message) Message {
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	return message
}
