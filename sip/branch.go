package sip

import (
	"strings"

	"github.com/google/uuid"
)

// MagicCookie is the prefix of branch parameters generated by RFC 3261 compliant elements.
const MagicCookie = "z9hG4bK"

// IsRFC3261Branch reports whether the branch starts with the magic cookie.
func IsRFC3261Branch(branch string) bool {
	return len(branch) > len(MagicCookie) && strings.HasPrefix(branch, MagicCookie)
}

// GenerateBranch returns a new unique branch parameter value with the magic cookie prefix.
func GenerateBranch() string {
	id := uuid.New()
	return MagicCookie + strings.ReplaceAll(id.String(), "-", "")
}
