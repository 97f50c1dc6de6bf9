package models

import "time"

// Transfer direction relative to the local device.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Resource describes the file behind a transfer.
type Resource struct {
	Name           string `json:"name"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	ContentKind    string `json:"content_kind"`
	Path           string `json:"path,omitempty"`
}

// TransferRecord is the immutable historical record appended to the
// history store once a transfer reaches a terminal state.
type TransferRecord struct {
	TransferID       string    `json:"transfer_id"`
	PeerID           string    `json:"peer_id"`
	Direction        string    `json:"direction"`
	ResourceName     string    `json:"resource_name"`
	TotalSizeBytes   int64     `json:"total_size_bytes"`
	ContentKind      string    `json:"content_kind"`
	FinalState       string    `json:"final_state"`
	BytesTransferred int64     `json:"bytes_transferred"`
	LastError        string    `json:"last_error,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
}
