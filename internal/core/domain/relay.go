package domain

import "time"

type RelayID string

type RelayRecord struct {
	ID       RelayID   `json:"id"`
	Endpoint string    `json:"endpoint"`
	Load     int       `json:"load"`
	Capacity int       `json:"capacity"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
	ConnID   ConnID    `json:"conn_id,omitempty"`
}

// HasSpareCapacity reports whether the relay can take one more session.
func (r RelayRecord) HasSpareCapacity() bool {
	return r.Online && r.Load < r.Capacity
}
