// Package address performs local sanity checks on addresses before they are
// sent for screening. Only EVM-style hex addresses carry a checksum we can
// verify offline; every other format is passed through to the remote service.
package address

import (
	"encoding/hex"
	"errors"
	"strings"
	"unicode"

	"golang.org/x/crypto/sha3"
)

var (
	ErrEmpty    = errors.New("address is empty")
	ErrSpace    = errors.New("address contains whitespace")
	ErrChecksum = errors.New("address fails EIP-55 checksum")
)

// IsHex reports whether s has the 0x-prefixed 40 hex char EVM shape.
func IsHex(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// Checksum returns the EIP-55 mixed-case form of an EVM address. Input that is
// not EVM-shaped is returned unchanged.
func Checksum(s string) string {
	if !IsHex(s) {
		return s
	}
	lower := strings.ToLower(s[2:])
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(lower))
	sum := hasher.Sum(nil)

	out := make([]byte, 0, 42)
	out = append(out, '0', 'x')
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		// nibble i of the hash decides the case of hex letter i
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if c >= 'a' && c <= 'f' && nibble >= 8 {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// Validate checks s exactly as read. Mixed-case EVM addresses must match their
// checksum; all-lower or all-upper forms are accepted as unchecksummed.
func Validate(s string) error {
	if s == "" {
		return ErrEmpty
	}
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return ErrSpace
	}
	if !IsHex(s) {
		return nil
	}
	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	if Checksum(s)[2:] != body {
		return ErrChecksum
	}
	return nil
}
