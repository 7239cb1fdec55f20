package domain

import (
	"errors"
	"fmt"
	"strings"
)

// maxIdentityIDLength bounds on-chain addresses accepted at trust boundaries.
const maxIdentityIDLength = 64

// ErrInvalidIdentity is returned when an on-chain identifier fails validation.
var ErrInvalidIdentity = errors.New("invalid identity id")

// IdentityID is the stable on-chain identifier (address) of an identity record.
type IdentityID string

// ParseIdentityID trims s and validates it as an on-chain address: non-empty,
// bounded, ASCII letters and digits only.
func ParseIdentityID(s string) (IdentityID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(s) > maxIdentityIDLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidIdentity, maxIdentityIDLength)
	}
	for _, r := range s {
		if !isAddressRune(r) {
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidIdentity, r)
		}
	}
	return IdentityID(s), nil
}

func isAddressRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func (id IdentityID) String() string {
	return string(id)
}

// IsNil returns true if the identifier is empty.
func (id IdentityID) IsNil() bool {
	return id == ""
}
