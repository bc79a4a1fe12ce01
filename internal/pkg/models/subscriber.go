package models

import "time"

// Subscriber is a UI client attached to the event stream
type Subscriber struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPing    time.Time `json:"last_ping"`
}
