// Package link provides the framed TCP transport that carries chunk
// traffic between peers: a hello exchange followed by offer, data, and
// acknowledgement messages for one or more transfers.
package link

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeHello         = "hello"
	TypeHelloAck      = "hello_ack"
	TypeTransferOffer = "transfer_offer"
	TypeTransferReply = "transfer_reply"
	TypeChunkData     = "chunk_data"
	TypeChunkAck      = "chunk_ack"
	TypeTransferAbort = "transfer_abort"
)

const (
	ReplyAccepted = "accepted"
	ReplyRejected = "rejected"
)

// ErrInvalidMessageType indicates the message type is missing or unknown.
var ErrInvalidMessageType = errors.New("link: invalid message type")

// Envelope identifies the link message type.
type Envelope struct {
	Type string `json:"type"`
}

// Hello opens a connection and names the local device.
type Hello struct {
	Type        string `json:"type"`
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	Timestamp   int64  `json:"timestamp"`
}

// TransferOffer proposes an inbound transfer to the remote side.
type TransferOffer struct {
	Type           string `json:"type"`
	TransferID     string `json:"transfer_id"`
	FromID         string `json:"from_id"`
	ResourceName   string `json:"resource_name"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	ContentKind    string `json:"content_kind,omitempty"`
	ChunkSize      int    `json:"chunk_size"`
	Timestamp      int64  `json:"timestamp"`
}

// TransferReply accepts or rejects an offer.
type TransferReply struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// ChunkData carries one chunk. Data is base64-encoded on the wire by
// the JSON codec.
type ChunkData struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	Data       []byte `json:"data"`
	Timestamp  int64  `json:"timestamp"`
}

// ChunkAck confirms receipt of one chunk.
type ChunkAck struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	Timestamp  int64  `json:"timestamp"`
}

// TransferAbort tells the remote side a transfer ended early.
type TransferAbort struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// EncodeJSON marshals a link message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal link message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}
