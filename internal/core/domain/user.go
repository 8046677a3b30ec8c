package domain

import "time"

type UserID string

// UserRecord is persisted independently of any live connection.
// CredentialRef is an opaque hash reference and never leaves the router.
type UserRecord struct {
	ID            UserID        `json:"id"`
	CredentialRef string        `json:"credential_ref,omitempty"`
	Permissions   PermissionSet `json:"permissions"`
	Enabled       bool          `json:"enabled"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (u UserRecord) Clone() UserRecord {
	if u.Permissions != nil {
		u.Permissions = append(PermissionSet(nil), u.Permissions...)
	}
	return u
}

// Public strips the credential reference for delivery to consoles.
func (u UserRecord) Public() UserRecord {
	u = u.Clone()
	u.CredentialRef = ""
	return u
}
