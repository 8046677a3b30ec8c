package protocol

import (
	"encoding/json"
	"fmt"

	"routerd/internal/core/domain"
	rerrors "routerd/pkg/errors"
)

type MessageType string

const (
	// Handshake
	TypeServerHello MessageType = "server_hello"
	TypeClientHello MessageType = "client_hello"
	TypeCredentials MessageType = "credentials"
	TypeAuthResult  MessageType = "auth_result"

	// Console requests and replies
	TypeConnectRequest MessageType = "connect_request"
	TypeConnectResult  MessageType = "connect_result"
	TypeCloseSession   MessageType = "close_session"
	TypeSessionClosed  MessageType = "session_closed"
	TypeCreateUser     MessageType = "create_user"
	TypeUpdateUser     MessageType = "update_user"
	TypeDeleteUser     MessageType = "delete_user"
	TypeUserResult     MessageType = "user_result"
	TypeRemoveHost     MessageType = "remove_host"
	TypeHostResult     MessageType = "host_result"
	TypeRefresh        MessageType = "refresh"

	// Directory sync
	TypeHostList       MessageType = "host_list"
	TypeRelayList      MessageType = "relay_list"
	TypeUserList       MessageType = "user_list"
	TypeDirectoryDelta MessageType = "directory_delta"

	// Host and relay peers
	TypeHostUpdate     MessageType = "host_update"
	TypeRelayUpdate    MessageType = "relay_update"
	TypePrepareSession MessageType = "prepare_session"
	TypeBridgeSession  MessageType = "bridge_session"
	TypeSessionReady   MessageType = "session_ready"
	TypeSessionFailed  MessageType = "session_failed"

	TypeError MessageType = "error"
)

// Message is the logical envelope exchanged with every peer.
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a message of type t. A nil payload
// produces a message without one.
func NewMessage(t MessageType, payload interface{}) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

func (m Message) WithRequestID(id string) Message {
	m.RequestID = id
	return m
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return rerrors.Transport(rerrors.CodeProtocolError, fmt.Sprintf("%s: missing payload", m.Type))
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return rerrors.Wrap(err, rerrors.CategoryTransport, rerrors.CodeProtocolError, fmt.Sprintf("%s: invalid payload", m.Type))
	}
	return nil
}

// Encode serializes a message into one frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one frame.
func Decode(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, rerrors.Wrap(err, rerrors.CategoryTransport, rerrors.CodeProtocolError, "invalid frame")
	}
	if m.Type == "" {
		return Message{}, rerrors.Transport(rerrors.CodeProtocolError, "message type is required")
	}
	return m, nil
}

type ServerHello struct {
	Version string `json:"version"`
}

type ClientHello struct {
	Version string      `json:"version"`
	Role    domain.Role `json:"role"`
}

// Credentials carries the user secret for consoles, or the identity token
// plus the announced metadata for hosts and relays.
type Credentials struct {
	UserName string `json:"user_name,omitempty"`
	Secret   string `json:"secret,omitempty"`

	ID            string   `json:"id,omitempty"`
	Token         string   `json:"token,omitempty"`
	DisplayName   string   `json:"display_name,omitempty"`
	Addresses     []string `json:"addresses,omitempty"`
	SingleSession bool     `json:"single_session,omitempty"`
	Endpoint      string   `json:"endpoint,omitempty"`
	Capacity      int      `json:"capacity,omitempty"`
}

type AuthResult struct {
	Code        rerrors.Code         `json:"code"`
	Role        domain.Role          `json:"role,omitempty"`
	Identity    string               `json:"identity,omitempty"`
	Version     string               `json:"version,omitempty"`
	Permissions domain.PermissionSet `json:"permissions,omitempty"`
}

type ConnectRequest struct {
	HostID domain.HostID `json:"host_id"`
}

type ConnectResult struct {
	Code          rerrors.Code     `json:"code"`
	HostID        domain.HostID    `json:"host_id"`
	SessionID     domain.SessionID `json:"session_id,omitempty"`
	RelayEndpoint string           `json:"relay_endpoint,omitempty"`
}

type CloseSession struct {
	SessionID domain.SessionID `json:"session_id"`
}

type SessionClosed struct {
	SessionID domain.SessionID `json:"session_id"`
	Code      rerrors.Code     `json:"code"`
	Reason    string           `json:"reason,omitempty"`
}

// UserRequest is the body of create_user, update_user and delete_user.
type UserRequest struct {
	ID          domain.UserID        `json:"id"`
	Secret      string               `json:"secret,omitempty"`
	Permissions domain.PermissionSet `json:"permissions,omitempty"`
	Enabled     *bool                `json:"enabled,omitempty"`
}

type UserResult struct {
	Code   rerrors.Code  `json:"code"`
	UserID domain.UserID `json:"user_id"`
}

type RemoveHost struct {
	HostID domain.HostID `json:"host_id"`
}

type HostResult struct {
	Code   rerrors.Code  `json:"code"`
	HostID domain.HostID `json:"host_id"`
}

type HostUpdate struct {
	DisplayName string   `json:"display_name"`
	Addresses   []string `json:"addresses,omitempty"`
}

// RelayUpdate changes the announced endpoint or capacity. LoadHint is
// informational; load is accounted by the router alone.
type RelayUpdate struct {
	Endpoint string `json:"endpoint,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
	LoadHint int    `json:"load_hint,omitempty"`
}

type HostList struct {
	Seq   uint64              `json:"seq"`
	Hosts []domain.HostRecord `json:"hosts"`
}

type RelayList struct {
	Seq    uint64               `json:"seq"`
	Relays []domain.RelayRecord `json:"relays"`
}

type UserList struct {
	Seq   uint64              `json:"seq"`
	Users []domain.UserRecord `json:"users"`
}

type PrepareSession struct {
	SessionID     domain.SessionID `json:"session_id"`
	RelayEndpoint string           `json:"relay_endpoint"`
	ClientID      string           `json:"client_id"`
}

type BridgeSession struct {
	SessionID domain.SessionID `json:"session_id"`
	HostID    domain.HostID    `json:"host_id"`
	ClientID  string           `json:"client_id"`
}

// SessionAck is the body of session_ready and session_failed.
type SessionAck struct {
	SessionID domain.SessionID `json:"session_id"`
	Reason    string           `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    rerrors.Code `json:"code"`
	Message string       `json:"message,omitempty"`
}
