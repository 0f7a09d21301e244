package util

import (
	"fmt"
	"regexp"
	"strings"
)

// validNameChars matches only alphanumeric characters, hyphens, and periods.
var validNameChars = regexp.MustCompile(`^[a-zA-Z0-9.\-]+$`)

const (
	maxHostNameLen = 253
	maxLabelLen    = 63
)

// ValidateHostName checks that a host name conforms to RFC 1123 rules as
// accepted by both Proxmox VE and Hetzner Cloud:
//   - Between 2 and 253 characters
//   - Only alphanumeric characters (a-z, A-Z, 0-9), hyphens (-), and periods (.)
//   - First character must be alphanumeric
//   - Last character must not be a hyphen or period
//   - Dot-separated labels must be non-empty and at most 63 characters
func ValidateHostName(name string) error {
	if len(name) < 2 {
		return fmt.Errorf("host name must be at least 2 characters, got %d", len(name))
	}
	if len(name) > maxHostNameLen {
		return fmt.Errorf("host name must be at most %d characters, got %d", maxHostNameLen, len(name))
	}

	if !validNameChars.MatchString(name) {
		return fmt.Errorf("host name %q contains invalid characters (only a-z, A-Z, 0-9, hyphens, and periods are allowed)", name)
	}

	first := name[0]
	if !isAlphanumeric(first) {
		return fmt.Errorf("host name must start with an alphanumeric character, got %q", string(first))
	}

	last := name[len(name)-1]
	if last == '-' || last == '.' {
		return fmt.Errorf("host name must not end with a hyphen or period, got %q", string(last))
	}

	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return fmt.Errorf("host name %q contains an empty label", name)
		}
		if len(label) > maxLabelLen {
			return fmt.Errorf("host name label %q exceeds %d characters", label, maxLabelLen)
		}
	}

	return nil
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
