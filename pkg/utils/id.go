package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// GenerateConnID generates a unique connection ID
func GenerateConnID() string {
	return GenerateID("conn")
}

// GenerateSessionID generates a unique relayed session ID
func GenerateSessionID() string {
	return GenerateID("session")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req")
}

// GenerateInstanceID identifies one router process on the shared bus
func GenerateInstanceID() string {
	return GenerateID("router")
}
