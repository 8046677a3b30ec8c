package domain

import rerrors "routerd/pkg/errors"

var (
	ErrHostNotFound  = rerrors.Directory(rerrors.CodeNotFound, "host not found")
	ErrRelayNotFound = rerrors.Directory(rerrors.CodeNotFound, "relay not found")
	ErrUserNotFound  = rerrors.Directory(rerrors.CodeNotFound, "user not found")
	ErrUserExists    = rerrors.Directory(rerrors.CodeAlreadyExists, "user already exists")
	ErrHostConflict  = rerrors.Directory(rerrors.CodeConflict, "host id claimed by another connection")
	ErrRelayConflict = rerrors.Directory(rerrors.CodeConflict, "relay id claimed by another connection")

	ErrSessionNotFound = rerrors.Routing(rerrors.CodeNotFound, "session not found")

	ErrConnectionClosed = rerrors.Transport(rerrors.CodeNetworkError, "connection closed")
)
