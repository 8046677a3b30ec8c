package domain

import "sort"

// Role is the class of an authenticated peer.
type Role string

const (
	RoleUnknown Role = "unknown"
	RoleHost    Role = "host"
	RoleRelay   Role = "relay"
	RoleClient  Role = "client"
	RoleAdmin   Role = "admin"
)

// ParseRole accepts only roles a peer may declare.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleHost, RoleRelay, RoleClient, RoleAdmin:
		return r, true
	default:
		return RoleUnknown, false
	}
}

// IsConsole reports whether the role browses directories.
func (r Role) IsConsole() bool {
	return r == RoleClient || r == RoleAdmin
}

type Permission string

const (
	PermissionConnect Permission = "connect"
	PermissionAdmin   Permission = "admin"
)

func (p Permission) Valid() bool {
	return p == PermissionConnect || p == PermissionAdmin
}

type PermissionSet []Permission

func (s PermissionSet) Has(p Permission) bool {
	for _, have := range s {
		if have == p {
			return true
		}
	}
	return false
}

// Normalize returns a sorted copy without duplicates.
func (s PermissionSet) Normalize() PermissionSet {
	seen := make(map[Permission]bool, len(s))
	out := make(PermissionSet, 0, len(s))
	for _, p := range s {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
