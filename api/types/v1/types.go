// Package types defines the JSON types served by the engine's HTTP API.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// StatsResponse is the response from /api/v1/stats
type StatsResponse struct {
	ActiveLegs   int `json:"active_legs"`
	TrackedCalls int `json:"tracked_calls"`
}

// CallLeg represents one side of a bridged call
type CallLeg struct {
	Tag        string `json:"tag"`
	PeerTag    string `json:"peer_tag,omitempty"`
	Role       string `json:"role"`
	CallStatus string `json:"call_status"`
	OnHold     bool   `json:"on_hold,omitempty"`
	RTPMode    string `json:"rtp_mode"`
}

// MediaSession represents a shared media handle between two legs
type MediaSession struct {
	Mode       string `json:"mode"`
	References int    `json:"references"`
	PacketsA   int64  `json:"packets_a"`
	PacketsB   int64  `json:"packets_b"`
	BytesA     int64  `json:"bytes_a"`
	BytesB     int64  `json:"bytes_b"`
}
