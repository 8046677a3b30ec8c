package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// IdentifierRegex validates host and relay ids
	IdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// UsernameRegex validates console user names
	UsernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

const (
	MaxDisplayNameLength = 128
	MaxAddresses         = 16
)

// ValidateUsername validates username
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 64 {
		return fmt.Errorf("username is too long (max 64 characters)")
	}
	if !UsernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, -, . allowed)")
	}
	return nil
}

// ValidatePassword validates password
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	// bcrypt ignores input past 72 bytes
	if len(password) > 72 {
		return fmt.Errorf("password is too long (max 72 bytes)")
	}
	return nil
}

func ValidateHostID(id string) error {
	return validateIdentifier(id, "host ID")
}

func ValidateRelayID(id string) error {
	return validateIdentifier(id, "relay ID")
}

func validateIdentifier(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IdentifierRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateDisplayName validates a host display name. Empty is allowed.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(name, 0, MaxDisplayNameLength, "display name")
}

// ValidateAddresses validates host address hints (host or host:port).
func ValidateAddresses(addrs []string) error {
	if len(addrs) > MaxAddresses {
		return fmt.Errorf("too many addresses (max %d)", MaxAddresses)
	}
	for _, addr := range addrs {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("address must not be empty")
		}
		if len(addr) > 255 {
			return fmt.Errorf("address is too long (max 255 characters)")
		}
	}
	return nil
}

// ValidateEndpoint validates a relay endpoint given either as host:port or
// as a tcp, ws or wss URL.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("invalid endpoint format: %w", err)
		}
		if u.Scheme != "tcp" && u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("invalid endpoint scheme (must be tcp, ws, or wss)")
		}
		if u.Host == "" {
			return fmt.Errorf("endpoint must have a host")
		}
		return nil
	}

	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint format: %w", err)
	}
	if host == "" {
		return fmt.Errorf("endpoint must have a host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid endpoint port")
	}
	return nil
}

// ValidateCapacity validates a relay session capacity
func ValidateCapacity(capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("capacity must be at least 1")
	}
	if capacity > 100000 {
		return fmt.Errorf("capacity is too high (max 100000)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
