package ports

import (
	"context"
	"time"

	"routerd/internal/core/domain"
)

// CredentialVerifier is the external credential backend.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, identity domain.Identity) (bool, error)
	LookupUserPermissions(ctx context.Context, identity domain.Identity) (domain.PermissionSet, error)
}

type SecretHasher interface {
	HashSecret(secret string) (string, error)
}

type TokenIssuer interface {
	IssueToken(role domain.Role, subject string, ttl time.Duration) (string, error)
}

type TokenValidator interface {
	ValidateToken(token string) (domain.Role, string, error)
}

type DeltaFunc func(delta domain.Delta)

// DirectoryStore is the authoritative, mutation-serialized table of
// Hosts, Relays and Users.
type DirectoryStore interface {
	UpsertHost(host domain.HostRecord) error
	RemoveHost(id domain.HostID) error
	ReleaseHost(id domain.HostID, conn domain.ConnID) error
	Host(id domain.HostID) (domain.HostRecord, bool)

	UpsertRelay(relay domain.RelayRecord) error
	RemoveRelay(id domain.RelayID) error
	ReleaseRelayConn(id domain.RelayID, conn domain.ConnID) error
	Relay(id domain.RelayID) (domain.RelayRecord, bool)
	AcquireRelay() (domain.RelayRecord, error)
	ReleaseRelay(id domain.RelayID, conn domain.ConnID) error

	CreateUser(ctx context.Context, user domain.UserRecord) error
	UpdateUser(ctx context.Context, id domain.UserID, mutate func(*domain.UserRecord) error) error
	DeleteUser(ctx context.Context, id domain.UserID) error
	User(id domain.UserID) (domain.UserRecord, bool)

	Snapshot(kinds ...domain.DirectoryKind) domain.Snapshot
	Subscribe(fn DeltaFunc) (unsubscribe func())
	SubscribeWithSnapshot(fn DeltaFunc, kinds ...domain.DirectoryKind) (domain.Snapshot, func())
}
