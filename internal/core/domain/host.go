package domain

import "time"

type HostID string

type HostRecord struct {
	ID            HostID    `json:"id"`
	DisplayName   string    `json:"display_name"`
	Addresses     []string  `json:"addresses,omitempty"`
	Online        bool      `json:"online"`
	LastSeen      time.Time `json:"last_seen"`
	ConnID        ConnID    `json:"conn_id,omitempty"`
	SingleSession bool      `json:"single_session,omitempty"`
}

func (h HostRecord) Clone() HostRecord {
	if h.Addresses != nil {
		h.Addresses = append([]string(nil), h.Addresses...)
	}
	return h
}

// Public hides the owning connection for delivery to Client consoles.
func (h HostRecord) Public() HostRecord {
	h = h.Clone()
	h.ConnID = ""
	return h
}
