package domain

type DirectoryKind string

const (
	KindHost  DirectoryKind = "host"
	KindRelay DirectoryKind = "relay"
	KindUser  DirectoryKind = "user"
)

type DeltaAction string

const (
	DeltaAdded   DeltaAction = "added"
	DeltaUpdated DeltaAction = "updated"
	DeltaRemoved DeltaAction = "removed"
)

// Delta describes one committed directory mutation. Exactly one of
// Host, Relay or User is set, matching Kind.
type Delta struct {
	Seq    uint64        `json:"seq"`
	Kind   DirectoryKind `json:"kind"`
	Action DeltaAction   `json:"action"`
	Host   *HostRecord   `json:"host,omitempty"`
	Relay  *RelayRecord  `json:"relay,omitempty"`
	User   *UserRecord   `json:"user,omitempty"`
}

// Snapshot is an ordered view of the directory at sequence Seq.
type Snapshot struct {
	Seq    uint64
	Hosts  []HostRecord
	Relays []RelayRecord
	Users  []UserRecord
}
