package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// CurrentVersion is the protocol version spoken by this module.
const CurrentVersion = "1.0.0"

type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "major.minor.patch". Missing minor or patch components are zero.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(s), "v"), ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
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

// Compatible reports whether two versions can talk to each other.
// Only the major component matters.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major
}

// IsCompatible reports whether the local and remote version strings share a major version.
// Unparseable versions are never compatible.
func IsCompatible(local, remote string) bool {
	lv, err := ParseVersion(local)
	if err != nil {
		return false
	}
	rv, err := ParseVersion(remote)
	if err != nil {
		return false
	}
	return lv.Compatible(rv)
}
