package models

import "time"

// PlatformClass is an informational device category. It never affects
// protocol behavior.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
	PlatformWindows = "windows"
	PlatformMacOS   = "macos"
	PlatformLinux   = "linux"
	PlatformUnknown = "unknown"
)

// Liveness classification of a known peer.
const (
	LivenessOnline  = "online"
	LivenessStale   = "stale"
	LivenessOffline = "offline"
)

// PeerDescriptor is the payload of an inbound announce.
type PeerDescriptor struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Address       string `json:"address"`
	PlatformClass string `json:"platform_class"`
}

// Peer is one registry record for a known remote device.
type Peer struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	Address       string    `json:"address"`
	PlatformClass string    `json:"platform_class"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	Liveness      string    `json:"liveness"`
}

// NormalizePlatformClass maps unrecognized platform strings to unknown.
func NormalizePlatformClass(platform string) string {
	switch platform {
	case PlatformAndroid, PlatformIOS, PlatformWindows, PlatformMacOS, PlatformLinux:
		return platform
	default:
		return PlatformUnknown
	}
}
