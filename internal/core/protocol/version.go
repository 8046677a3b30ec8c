package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a major.minor.patch protocol version.
type Version struct {
	Major int
	Minor int
	Patch int
}

// Current is the version the router announces in server_hello.
var Current = Version{Major: 2, Minor: 6, Patch: 0}

func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) IsZero() bool {
	return v == Version{}
}

// Compatible reports whether peers at v and other can talk.
func (v Version) Compatible(other Version) bool {
	return !v.IsZero() && v.Major == other.Major
}

func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// Min returns the lower of two versions; used as the negotiated version.
func Min(a, b Version) Version {
	if a.Less(b) {
		return a
	}
	return b
}
